package ledger

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func packWeightsSubmitted(t *testing.T, taskID int64, shares ...string) ethtypes.Log {
	t.Helper()
	values := []any{
		big.NewInt(taskID),
		common.HexToAddress("0x00000000000000000000000000000000000a1b2c"),
		big.NewInt(42),
	}
	for _, share := range shares {
		values = append(values, share)
	}
	data, err := weightsSubmittedArgs(len(shares)).Pack(values...)
	require.NoError(t, err)
	return ethtypes.Log{
		Topics: []common.Hash{weightsSubmittedSig(len(shares))},
		Data:   data,
	}
}

func TestDecodeWeightsSubmitted_SingleShare(t *testing.T) {
	req := require.New(t)

	event, err := DecodeWeightsSubmitted(packWeightsSubmitted(t, 7, "plain-weights-ref"))
	req.NoError(err)
	req.Equal(int64(7), event.TaskID.Int64())
	req.Equal([]string{"plain-weights-ref"}, event.Shares)
	req.Equal(int64(42), event.RewardAmount.Int64())
}

func TestDecodeWeightsSubmitted_SplitShares(t *testing.T) {
	req := require.New(t)

	event, err := DecodeWeightsSubmitted(packWeightsSubmitted(t, 9, "c1", "c2", "c3"))
	req.NoError(err)
	req.Equal(int64(9), event.TaskID.Int64())
	req.Equal([]string{"c1", "c2", "c3"}, event.Shares)
}

func TestDecodeWeightsSubmitted_OtherEvent(t *testing.T) {
	data, err := taskCreatedArgs.Pack(
		common.HexToAddress("0x00000000000000000000000000000000000a1b2c"),
		"model-ref",
		"dataset-ref",
	)
	require.NoError(t, err)
	log := ethtypes.Log{Topics: []common.Hash{taskCreatedSig}, Data: data}

	_, err = DecodeWeightsSubmitted(log)
	require.ErrorIs(t, err, ErrNoMatch)

	event, err := DecodeTaskCreated(log)
	require.NoError(t, err)
	require.Equal(t, "model-ref", event.ModelRef)
	require.Equal(t, "dataset-ref", event.DatasetRef)
}

func TestDecode_EmptyTopics(t *testing.T) {
	_, err := DecodeWeightsSubmitted(ethtypes.Log{})
	require.ErrorIs(t, err, ErrNoMatch)
	_, err = DecodeTaskCreated(ethtypes.Log{})
	require.ErrorIs(t, err, ErrNoMatch)
}
