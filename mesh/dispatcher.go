package mesh

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fedmesh/cotrain/logging"
	"github.com/fedmesh/cotrain/types"
)

// Commander is the command slice of the gateway the dispatcher needs.
type Commander interface {
	Train(ctx context.Context, roundID, bundle string) (bool, error)
}

// Dispatcher sends the begin-training command. The caller must not enter the
// Training phase unless Dispatch returns nil.
type Dispatcher struct {
	commander Commander
}

func NewDispatcher(commander Commander) *Dispatcher {
	return &Dispatcher{commander: commander}
}

func (d *Dispatcher) Dispatch(ctx context.Context, roundID, datasetRef, modelRef, publicKeyTransport string) error {
	bundle := strings.Join([]string{datasetRef, modelRef, publicKeyTransport}, " ")
	ok, err := d.commander.Train(ctx, roundID, bundle)
	if err != nil {
		return fmt.Errorf("dispatching training command: %w", err)
	}
	if !ok {
		return types.ErrDispatchNotConfirmed
	}
	logging.FromContext(ctx).Info("training command acknowledged", zap.String("round", roundID))
	return nil
}
