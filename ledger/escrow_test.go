package ledger_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/fedmesh/cotrain/ledger"
	"github.com/fedmesh/cotrain/ledger/mocks"
	"github.com/fedmesh/cotrain/types"
)

func newEscrow(t *testing.T, attempts int) (*ledger.Escrow, *mocks.MockLedger) {
	t.Helper()
	mock := mocks.NewMockLedger(gomock.NewController(t))
	escrow := ledger.NewEscrow(mock,
		ledger.WithSettleDelay(time.Millisecond),
		ledger.WithResolveAttempts(attempts),
	)
	return escrow, mock
}

func TestCreateFundedTask(t *testing.T) {
	req := require.New(t)
	escrow, mock := newEscrow(t, 3)

	mock.EXPECT().
		CreateTask(gomock.Any(), "model-ref", "dataset-ref", uint64(3), big.NewInt(100)).
		Return("tx-1", nil)

	txID, err := escrow.CreateFundedTask(context.Background(), "model-ref", "dataset-ref", 3, big.NewInt(100))
	req.NoError(err)
	req.Equal("tx-1", txID)
}

func TestCreateFundedTask_Rejected(t *testing.T) {
	escrow, mock := newEscrow(t, 3)

	mock.EXPECT().
		CreateTask(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return("", types.ErrPaymentRejected)

	_, err := escrow.CreateFundedTask(context.Background(), "m", "d", 1, big.NewInt(1))
	require.ErrorIs(t, err, types.ErrPaymentRejected)
}

func TestResolveTaskID_RetriesThenSucceeds(t *testing.T) {
	req := require.New(t)
	escrow, mock := newEscrow(t, 5)

	gomock.InOrder(
		mock.EXPECT().GetTaskID(gomock.Any()).Return(uint64(0), errors.New("not replicated yet")),
		mock.EXPECT().GetTaskID(gomock.Any()).Return(uint64(0), errors.New("not replicated yet")),
		mock.EXPECT().GetTaskID(gomock.Any()).Return(uint64(17), nil),
	)

	id, err := escrow.ResolveTaskID(context.Background())
	req.NoError(err)
	req.Equal(uint64(17), id)
}

func TestResolveTaskID_Bounded(t *testing.T) {
	escrow, mock := newEscrow(t, 3)

	mock.EXPECT().
		GetTaskID(gomock.Any()).
		Times(3).
		Return(uint64(0), errors.New("still lagging"))

	_, err := escrow.ResolveTaskID(context.Background())
	require.ErrorIs(t, err, types.ErrTaskIdUnresolved)
}

func TestResolveTaskID_Cancelled(t *testing.T) {
	escrow, _ := newEscrow(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := escrow.ResolveTaskID(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
