package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// maxResultShares bounds how many ciphertext share fields a WeightsSubmitted
// event may carry. The contract has shipped with one plaintext field and with
// three ciphertext shares; the decoder must not assume a fixed count.
const maxResultShares = 4

var ErrNoMatch = errors.New("log does not match the event schema")

var (
	uint256Type = mustNewType("uint256")
	addressType = mustNewType("address")
	stringType  = mustNewType("string")
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %q: %v", t, err))
	}
	return typ
}

// TaskCreatedEvent is emitted when escrow accepts a funded task.
type TaskCreatedEvent struct {
	Depositor  common.Address
	ModelRef   string
	DatasetRef string
}

// WeightsSubmittedEvent carries the training result for a task. Shares holds
// the raw payload fields in order: a single plaintext reference, or several
// base64 ciphertext shares to be decrypted and concatenated.
type WeightsSubmittedEvent struct {
	TaskID       *big.Int
	Trainer      common.Address
	RewardAmount *big.Int
	Shares       []string
}

var taskCreatedArgs = abi.Arguments{
	{Name: "depositor", Type: addressType},
	{Name: "modelHash", Type: stringType},
	{Name: "datasetHash", Type: stringType},
}

var taskCreatedSig = crypto.Keccak256Hash([]byte("TaskCreated(address,string,string)"))

func weightsSubmittedArgs(shares int) abi.Arguments {
	args := abi.Arguments{
		{Name: "taskId", Type: uint256Type},
		{Name: "trainer", Type: addressType},
		{Name: "rewardAmount", Type: uint256Type},
	}
	for i := 1; i <= shares; i++ {
		args = append(args, abi.Argument{Name: fmt.Sprintf("weight_hash_%d", i), Type: stringType})
	}
	return args
}

func weightsSubmittedSig(shares int) common.Hash {
	fields := append([]string{"uint256", "address", "uint256"}, make([]string, shares)...)
	for i := 0; i < shares; i++ {
		fields[3+i] = "string"
	}
	return crypto.Keccak256Hash([]byte("WeightsSubmitted(" + strings.Join(fields, ",") + ")"))
}

// DecodeTaskCreated decodes a TaskCreated log. ErrNoMatch for other events.
func DecodeTaskCreated(log ethtypes.Log) (*TaskCreatedEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != taskCreatedSig {
		return nil, ErrNoMatch
	}
	values, err := taskCreatedArgs.Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("unpacking TaskCreated: %w", err)
	}
	return &TaskCreatedEvent{
		Depositor:  values[0].(common.Address),
		ModelRef:   values[1].(string),
		DatasetRef: values[2].(string),
	}, nil
}

// DecodeWeightsSubmitted decodes a WeightsSubmitted log, trying every known
// share arity. ErrNoMatch for logs of other event types.
func DecodeWeightsSubmitted(log ethtypes.Log) (*WeightsSubmittedEvent, error) {
	if len(log.Topics) == 0 {
		return nil, ErrNoMatch
	}
	for shares := 1; shares <= maxResultShares; shares++ {
		if log.Topics[0] != weightsSubmittedSig(shares) {
			continue
		}
		values, err := weightsSubmittedArgs(shares).Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("unpacking WeightsSubmitted/%d: %w", shares, err)
		}
		event := &WeightsSubmittedEvent{
			TaskID:       values[0].(*big.Int),
			Trainer:      values[1].(common.Address),
			RewardAmount: values[2].(*big.Int),
			Shares:       make([]string, shares),
		}
		for i := 0; i < shares; i++ {
			event.Shares[i] = values[3+i].(string)
		}
		return event, nil
	}
	return nil, ErrNoMatch
}
