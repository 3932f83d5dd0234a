package orchestrator

import (
	"time"

	"github.com/fedmesh/cotrain/storage"
)

// Config tunes the round lifecycle. DefaultConfig values suit a live network;
// tests shrink the intervals.
type Config struct {
	// DataDir is where per-round key material lives.
	DataDir string `long:"datadir" description:"Directory for per-round key material"`

	// TopicID is the consensus topic training nodes publish their logs to.
	TopicID string `long:"topic" description:"Consensus topic id carrying training logs"`

	MaxChunkBytes      int           `long:"max-chunk-bytes" description:"Largest dataset chunk payload in bytes"`
	CompletionInterval time.Duration `long:"completion-interval" description:"How often task completion is checked"`
	SettleDelay        time.Duration `long:"settle-delay" description:"Wait after completion before reading result events"`

	// EventLookbackLimit bounds how many contract log entries one completion
	// check inspects.
	EventLookbackLimit int `long:"event-lookback" description:"Max contract log entries inspected per completion check"`

	// MinTrainers gates the start of training. OptimalTrainers is advisory
	// only; it is surfaced to the operator, never enforced.
	MinTrainers     int `long:"min-trainers" description:"Fewest trainers required to start training"`
	OptimalTrainers int `long:"optimal-trainers" description:"Advisory trainer count for good shard balance"`
}

func DefaultConfig() Config {
	return Config{
		MaxChunkBytes:      storage.DefaultMaxChunkBytes,
		CompletionInterval: 10 * time.Second,
		SettleDelay:        2 * time.Second,
		EventLookbackLimit: 100,
		MinTrainers:        1,
		OptimalTrainers:    3,
	}
}
