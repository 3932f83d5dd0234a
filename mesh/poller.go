package mesh

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fedmesh/cotrain/logging"
	"github.com/fedmesh/cotrain/types"
)

// DefaultPollInterval is how often the network state is queried while a
// round assembles.
const DefaultPollInterval = 5 * time.Second

// NetworkState is the read-only slice of the gateway the poller needs.
type NetworkState interface {
	Bootmesh(ctx context.Context) (map[string][]types.TrainerNode, error)
}

// AssemblyPoller periodically queries the network for the nodes that joined
// a round and reports the TRAINER-role subset. A failed tick is logged and
// retried on the next interval; assembly must not abort on transient query
// failures.
type AssemblyPoller struct {
	state    NetworkState
	interval time.Duration
}

func NewAssemblyPoller(state NetworkState, interval time.Duration) *AssemblyPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &AssemblyPoller{state: state, interval: interval}
}

// Start begins polling for roundID and invokes onUpdate with the trainer list
// on every successful tick. The returned cancel stops future ticks; updates
// from a tick in flight when cancel is called are dropped, so the caller
// never observes an update for a round it already left.
func (p *AssemblyPoller) Start(ctx context.Context, roundID string, onUpdate func([]types.TrainerNode)) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	logger := logging.FromContext(ctx).Named("assembly").With(zap.String("round", roundID))

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			p.tick(ctx, logger, roundID, onUpdate)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return cancel
}

func (p *AssemblyPoller) tick(ctx context.Context, logger *zap.Logger, roundID string, onUpdate func([]types.TrainerNode)) {
	state, err := p.state.Bootmesh(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("network state query failed, retrying next tick", zap.Error(err))
		}
		return
	}

	trainers := make([]types.TrainerNode, 0)
	for _, node := range state[roundID] {
		if node.Role == types.RoleTrainer {
			trainers = append(trainers, node)
		}
	}

	// The tick may have raced cancellation; deliver nothing after it.
	if ctx.Err() != nil {
		return
	}
	logger.Debug("assembly update", zap.Int("trainers", len(trainers)))
	onUpdate(trainers)
}
