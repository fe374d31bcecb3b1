package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/domain"
)

// Webhook POSTs each nudge as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

var _ domain.Deliverer = (*Webhook)(nil)

// webhookPayload is the request body.
type webhookPayload struct {
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// NewWebhook creates a webhook deliverer. A zero timeout means 10s.
func NewWebhook(url string, timeout time.Duration, log *zap.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}, log: log}
}

// Ping reports whether the target answers HTTP at all. Any status code
// counts as reachable; only transport failures return ErrOffline.
func (w *Webhook) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOffline, err)
	}
	resp.Body.Close()
	return nil
}

// Deliver posts the nudge. Unreachable targets return ErrOffline; non-2xx
// responses return ErrDeliveryRejected.
func (w *Webhook) Deliver(ctx context.Context, title, body string, scheduledAt time.Time) (bool, error) {
	data, err := json.Marshal(webhookPayload{Title: title, Body: body, ScheduledAt: scheduledAt.UTC()})
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrOffline, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%w: status %d", domain.ErrDeliveryRejected, resp.StatusCode)
	}
	w.log.Debug("nudge posted", zap.String("url", w.url), zap.Int("status", resp.StatusCode))
	return true, nil
}
