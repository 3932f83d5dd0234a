package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/fedmesh/cotrain/logging"
	"github.com/fedmesh/cotrain/types"
)

const (
	defaultSettleDelay     = 2 * time.Second
	defaultResolveAttempts = 5
)

// Escrow submits the funded create-task transaction and resolves the task id
// the contract assigned to it. The id read is retried behind a settle delay
// because the ledger's read replicas lag the confirmed transaction.
type Escrow struct {
	ledger          Ledger
	settleDelay     time.Duration
	resolveAttempts int
}

type EscrowOption func(*Escrow)

func WithSettleDelay(d time.Duration) EscrowOption {
	return func(e *Escrow) { e.settleDelay = d }
}

func WithResolveAttempts(n int) EscrowOption {
	return func(e *Escrow) { e.resolveAttempts = n }
}

func NewEscrow(ledger Ledger, opts ...EscrowOption) *Escrow {
	e := &Escrow{
		ledger:          ledger,
		settleDelay:     defaultSettleDelay,
		resolveAttempts: defaultResolveAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateFundedTask submits the payable create-task transaction carrying the
// asset references and the escrowed amount.
func (e *Escrow) CreateFundedTask(ctx context.Context, modelRef, datasetRef string, chunkCount uint64, amount *big.Int) (string, error) {
	logging.FromContext(ctx).Info("submitting funded create-task transaction",
		zap.Uint64("chunk_count", chunkCount),
		zap.String("amount", amount.String()),
	)
	txID, err := e.ledger.CreateTask(ctx, modelRef, datasetRef, chunkCount, amount)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if txID == "" {
		return "", types.ErrPaymentRejected
	}
	return txID, nil
}

// ResolveTaskID reads the task id assigned by the confirmed transaction,
// retrying a bounded number of times to tolerate replication lag.
func (e *Escrow) ResolveTaskID(ctx context.Context) (uint64, error) {
	logger := logging.FromContext(ctx)

	if err := sleep(ctx, e.settleDelay); err != nil {
		return 0, err
	}

	retry := &backoff.Backoff{
		Min:    e.settleDelay,
		Max:    30 * time.Second,
		Factor: 2,
	}

	var lastErr error
	for attempt := 1; attempt <= e.resolveAttempts; attempt++ {
		id, err := e.ledger.GetTaskID(ctx)
		if err == nil {
			return id, nil
		}
		lastErr = err
		logger.Debug("task id not resolvable yet",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < e.resolveAttempts {
			if err := sleep(ctx, retry.Duration()); err != nil {
				return 0, err
			}
		}
	}
	return 0, fmt.Errorf("%w: %d attempts, last error: %v", types.ErrTaskIdUnresolved, e.resolveAttempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
