package conslog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fedmesh/cotrain/conslog"
	"github.com/fedmesh/cotrain/types"
)

type fakeSubscriber struct {
	mu        sync.Mutex
	topic     string
	onMessage func(types.LogEntry)
	subs      int
	unsubs    int
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, topicID string, onMessage func(types.LogEntry)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic = topicID
	f.onMessage = onMessage
	f.subs++
	return nil
}

func (f *fakeSubscriber) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = nil
	f.unsubs++
	return nil
}

func (f *fakeSubscriber) emit(entry types.LogEntry) {
	f.mu.Lock()
	cb := f.onMessage
	f.mu.Unlock()
	if cb != nil {
		cb(entry)
	}
}

type fakeSink struct {
	mu      sync.Mutex
	entries map[string][]types.LogEntry
}

func newFakeSink() *fakeSink {
	return &fakeSink{entries: make(map[string][]types.LogEntry)}
}

func (f *fakeSink) AppendLog(roundID string, entry types.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[roundID] = append(f.entries[roundID], entry)
	return nil
}

func (f *fakeSink) logs(roundID string) []types.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.LogEntry(nil), f.entries[roundID]...)
}

func TestRelay_PersistsAndForwards(t *testing.T) {
	req := require.New(t)
	sub := &fakeSubscriber{}
	sink := newFakeSink()
	relay := conslog.NewRelay(sub, sink)

	req.NoError(relay.Start(context.Background(), "round-1", "0.0.777"))
	req.Equal("0.0.777", sub.topic)

	entry := types.LogEntry{Content: "epoch 1 loss 0.42", Timestamp: "1700000000.000000001"}
	sub.emit(entry)

	req.Equal([]types.LogEntry{entry}, sink.logs("round-1"))
	select {
	case got := <-relay.Listener():
		req.Equal(entry, got)
	case <-time.After(time.Second):
		t.Fatal("no entry forwarded to listener")
	}
}

func TestRelay_NewRoundReplacesSubscription(t *testing.T) {
	req := require.New(t)
	sub := &fakeSubscriber{}
	sink := newFakeSink()
	relay := conslog.NewRelay(sub, sink)

	req.NoError(relay.Start(context.Background(), "round-1", "0.0.777"))
	req.NoError(relay.Start(context.Background(), "round-2", "0.0.888"))

	req.Equal(2, sub.subs)
	req.Equal(1, sub.unsubs)
	req.Equal("0.0.888", sub.topic)

	sub.emit(types.LogEntry{Content: "hello", Timestamp: "1"})
	req.Empty(sink.logs("round-1"))
	req.Len(sink.logs("round-2"), 1)
}

func TestRelay_StopIsIdempotent(t *testing.T) {
	req := require.New(t)
	sub := &fakeSubscriber{}
	relay := conslog.NewRelay(sub, newFakeSink())

	req.NoError(relay.Stop())
	req.Equal(0, sub.unsubs)

	req.NoError(relay.Start(context.Background(), "round-1", "0.0.777"))
	req.NoError(relay.Stop())
	req.NoError(relay.Stop())
	req.Equal(1, sub.unsubs)
}
