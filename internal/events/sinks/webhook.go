package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrapeq/internal/events"
)

const (
	defaultWebhookTimeout     = 5 * time.Second
	defaultWebhookPendingTTL  = 5 * time.Minute
	defaultWebhookMaxInFlight = 4
	webhookAPIKeyHeader       = "x-api-key"
)

// WebhookConfig configures delivery to an HTTP endpoint.
type WebhookConfig struct {
	URL         string
	APIKey      string
	Timeout     time.Duration
	PendingTTL  time.Duration
	MaxInFlight int
}

// WebhookSink POSTs event envelopes as JSON. An event/job pair that is still
// in flight is not sent a second time.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewWebhookSink validates cfg and returns a sink. client may be nil.
func NewWebhookSink(cfg WebhookConfig, client *http.Client, logger *zap.Logger) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook sink: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = defaultWebhookPendingTTL
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultWebhookMaxInFlight
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookSink{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]time.Time),
	}, nil
}

// Consume delivers the batch concurrently. The first delivery error is
// returned after every delivery has finished.
func (s *WebhookSink) Consume(ctx context.Context, batch []events.Event) error {
	s.cleanup()
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxInFlight)
	for _, evt := range batch {
		g.Go(func() error {
			return s.deliver(ctx, evt)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	return nil
}

func (s *WebhookSink) deliver(ctx context.Context, evt events.Event) error {
	key := evt.Key()
	if !s.begin(key) {
		s.logger.Debug("identical event in flight, skipping", zap.String("event", key))
		return nil
	}
	defer s.finish(key)

	body, err := json.Marshal(evt.Envelope())
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set(webhookAPIKeyHeader, s.cfg.APIKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", key, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", key, resp.StatusCode)
	}
	s.logger.Debug("event delivered", zap.String("event", key))
	return nil
}

func (s *WebhookSink) begin(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, inFlight := s.pending[key]; inFlight {
		return false
	}
	s.pending[key] = s.now()
	return true
}

func (s *WebhookSink) finish(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
}

// cleanup forgets pending entries older than the TTL so a lost delivery
// cannot suppress an event forever.
func (s *WebhookSink) cleanup() {
	cutoff := s.now().Add(-s.cfg.PendingTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, started := range s.pending {
		if started.Before(cutoff) {
			delete(s.pending, key)
		}
	}
}

// Close implements events.Sink.
func (s *WebhookSink) Close(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}
