// Package trigger implements persistent, predicate-gated webhook firing:
// a Trigger is a View whose output is delivered to an HTTP endpoint
// instead of a subscriber connection, with hysteresis so a row
// oscillating at the predicate boundary does not double-fire.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Transport is the seam webhook delivery tests substitute a fake for.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// Payload is the JSON body posted to a trigger's endpoint.
type Payload struct {
	EventType   string         `json:"event_type"`
	TriggerName string         `json:"trigger_name"`
	Timestamp   string         `json:"timestamp"`
	Data        map[string]any `json:"data"`
}

// WebhookSender delivers one Payload per matched event, fire-and-forget:
// failed deliveries are logged, never retried or queued, matching the
// delivery semantics a changefeed trigger needs (the Source's event
// stream is the durable record, not the webhook call). Deliveries carry
// no auth header or signature: the endpoint is trusted by configuration,
// not by the payload.
type WebhookSender struct {
	transport Transport
	logger    *zap.Logger
}

// NewWebhookSender builds a sender with a default 10s timeout HTTP client.
func NewWebhookSender(logger *zap.Logger) *WebhookSender {
	return &WebhookSender{
		transport: &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

// WithTransport overrides the HTTP transport, for tests.
func WithTransport(s *WebhookSender, t Transport) { s.transport = t }

// Send POSTs payload to url as JSON.
func (s *WebhookSender) Send(ctx context.Context, url string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("trigger: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("trigger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.transport.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed",
			zap.String("url", url), zap.String("trigger", payload.TriggerName), zap.Error(err))
		return fmt.Errorf("trigger: deliver to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Warn("webhook non-2xx response",
			zap.String("url", url), zap.String("trigger", payload.TriggerName), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("trigger: webhook to %s returned HTTP %d", url, resp.StatusCode)
	}

	s.logger.Info("webhook delivered",
		zap.String("url", url), zap.String("trigger", payload.TriggerName), zap.Int("status", resp.StatusCode))
	return nil
}
