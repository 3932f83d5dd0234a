package conslog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fedmesh/cotrain/logging"
	"github.com/fedmesh/cotrain/types"
)

const defaultMirrorPollInterval = 3 * time.Second

// MirrorSubscriber implements Subscriber by polling the mirror REST API for
// new topic messages, tracking a consensus-timestamp cursor so each message
// is delivered once.
type MirrorSubscriber struct {
	base     string
	interval time.Duration
	http     *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewMirrorSubscriber(mirrorEndpoint string, interval time.Duration) (*MirrorSubscriber, error) {
	if _, err := url.Parse(mirrorEndpoint); err != nil {
		return nil, fmt.Errorf("invalid mirror endpoint %q: %w", mirrorEndpoint, err)
	}
	if interval <= 0 {
		interval = defaultMirrorPollInterval
	}
	return &MirrorSubscriber{
		base:     strings.TrimRight(mirrorEndpoint, "/"),
		interval: interval,
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (s *MirrorSubscriber) Subscribe(ctx context.Context, topicID string, onMessage func(types.LogEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	logger := logging.FromContext(ctx).Named("mirror-sub").With(zap.String("topic", topicID))
	go s.pollLoop(ctx, logger, topicID, onMessage)
	return nil
}

func (s *MirrorSubscriber) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func (s *MirrorSubscriber) pollLoop(ctx context.Context, logger *zap.Logger, topicID string, onMessage func(types.LogEntry)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	cursor := ""
	for {
		next, err := s.fetch(ctx, topicID, cursor, onMessage)
		if err != nil && ctx.Err() == nil {
			logger.Warn("topic message fetch failed, retrying next tick", zap.Error(err))
		} else if next != "" {
			cursor = next
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *MirrorSubscriber) fetch(ctx context.Context, topicID, cursor string, onMessage func(types.LogEntry)) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/topics/%s/messages?order=asc&limit=50", s.base, url.PathEscape(topicID))
	if cursor != "" {
		endpoint += "&timestamp=gt:" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mirror returned status %d", resp.StatusCode)
	}

	var payload struct {
		Messages []struct {
			Message            string `json:"message"`
			ConsensusTimestamp string `json:"consensus_timestamp"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding topic messages: %w", err)
	}

	next := cursor
	for _, msg := range payload.Messages {
		content, err := base64.StdEncoding.DecodeString(msg.Message)
		if err != nil {
			// Not ours to interpret; relay the raw form.
			content = []byte(msg.Message)
		}
		if ctx.Err() != nil {
			return next, ctx.Err()
		}
		onMessage(types.LogEntry{
			Content:   string(content),
			Timestamp: msg.ConsensusTimestamp,
		})
		next = msg.ConsensusTimestamp
	}
	return next, nil
}
