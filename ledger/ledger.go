// Package ledger models the escrow contract surface the coordinator consumes:
// a payable createTask entry point, read-only task queries, and the contract
// event log carrying encrypted training results.
package ledger

import (
	"context"
	"math/big"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

//go:generate mockgen -package mocks -destination mocks/ledger.go . Ledger

// Ledger is the contract binding boundary. Implementations sign and submit
// transactions elsewhere; this package only defines the calls the round
// lifecycle needs.
type Ledger interface {
	// CreateTask submits the funded create-task transaction and returns its
	// transaction id. A transaction the signer refuses maps to
	// types.ErrPaymentRejected; a confirmed-but-reverted one to
	// types.ErrPaymentReverted.
	CreateTask(ctx context.Context, modelRef, datasetRef string, chunkCount uint64, amount *big.Int) (string, error)

	// GetTaskID reads the most recently assigned task id.
	GetTaskID(ctx context.Context) (uint64, error)

	// TaskExists reports whether the task is still outstanding.
	TaskExists(ctx context.Context, id uint64) (bool, error)

	// GetLogs returns the contract's event log, most recent first.
	GetLogs(ctx context.Context) ([]ethtypes.Log, error)
}
