package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stayflow/concierge/common/envelope"
	"github.com/stayflow/concierge/common/retry"
)

// Deliverer hands an outbound reply to the messaging transport.
type Deliverer interface {
	Deliver(ctx context.Context, r *envelope.Reply) error
}

// newDeliverer returns a webhook deliverer, or a log-only one when no
// webhook is configured.
func newDeliverer(webhook string, log *slog.Logger) Deliverer {
	if webhook == "" {
		return &logDeliverer{log: log}
	}
	return &webhookDeliverer{
		url:  webhook,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// webhookDeliverer POSTs replies to the transport's delivery endpoint,
// retrying transient failures.
type webhookDeliverer struct {
	url  string
	http *http.Client
}

func (d *webhookDeliverer) Deliver(ctx context.Context, r *envelope.Reply) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}

	return retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body) //nolint:errcheck

		if resp.StatusCode >= 300 {
			return fmt.Errorf("delivery webhook returned %d", resp.StatusCode)
		}
		return nil
	})
}

// logDeliverer records replies in the log. Used in development and in tests.
type logDeliverer struct {
	log *slog.Logger
}

func (d *logDeliverer) Deliver(_ context.Context, r *envelope.Reply) error {
	d.log.Info("outbound reply",
		"tenant_id", r.TenantID, "conversation_id", r.ConversationID, "text", r.Text)
	return nil
}
