// Package conslog relays live consensus-log entries for a training round:
// every message is appended to the round's durable log buffer and forwarded
// to an in-process listener.
package conslog

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fedmesh/cotrain/logging"
	"github.com/fedmesh/cotrain/types"
)

// Subscriber is the consensus-log collaborator: a live feed of messages for
// one topic.
type Subscriber interface {
	Subscribe(ctx context.Context, topicID string, onMessage func(types.LogEntry)) error
	Unsubscribe() error
}

// Sink receives relayed entries for durable storage.
type Sink interface {
	AppendLog(roundID string, entry types.LogEntry) error
}

// Relay owns the process's single consensus-log subscription. Starting a
// relay for a new round first stops the previous subscription, so feeds never
// leak across rounds.
type Relay struct {
	sub  Subscriber
	sink Sink

	mu          sync.Mutex
	active      bool
	activeRound string
	listener    chan types.LogEntry
}

func NewRelay(sub Subscriber, sink Sink) *Relay {
	return &Relay{
		sub:      sub,
		sink:     sink,
		listener: make(chan types.LogEntry, 64),
	}
}

// Start subscribes to topicID and relays entries for roundID. Any previous
// subscription is stopped first.
func (r *Relay) Start(ctx context.Context, roundID, topicID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := logging.FromContext(ctx).Named("conslog")

	if r.active {
		logger.Info("replacing active log subscription", zap.String("previous_round", r.activeRound))
		if err := r.sub.Unsubscribe(); err != nil {
			logger.Warn("failed to stop previous subscription", zap.Error(err))
		}
		r.active = false
	}

	err := r.sub.Subscribe(ctx, topicID, func(entry types.LogEntry) {
		if err := r.sink.AppendLog(roundID, entry); err != nil {
			logger.Warn("failed to persist log entry", zap.Error(err))
		}
		select {
		case r.listener <- entry:
		default:
			// A slow listener must not stall the feed.
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to topic %s: %w", topicID, err)
	}

	r.active = true
	r.activeRound = roundID
	logger.Info("log subscription started",
		zap.String("round", roundID),
		zap.String("topic", topicID),
	)
	return nil
}

// Stop ends the active subscription. Idempotent.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return nil
	}
	r.active = false
	r.activeRound = ""
	return r.sub.Unsubscribe()
}

// Listener returns the channel live entries are pushed to.
func (r *Relay) Listener() <-chan types.LogEntry {
	return r.listener
}
