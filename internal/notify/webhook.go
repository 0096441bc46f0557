// Package notify pushes trade lifecycle events to an optional webhook so an
// operator can follow the bot without tailing logs.
package notify

import (
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"mt-trade-bot-go/internal/config"
)

// Event is one notification payload.
type Event struct {
	Kind      string  `json:"kind"` // trade_opened, reversal, partial_close, broker_error
	Symbol    string  `json:"symbol,omitempty"`
	Side      string  `json:"side,omitempty"`
	Lots      float64 `json:"lots,omitempty"`
	Ticket    int64   `json:"ticket,omitempty"`
	Detail    string  `json:"detail,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Notifier posts events to a webhook. A nil Notifier is valid and silently
// drops events, so callers never need to guard.
type Notifier struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewNotifier returns nil when notification is disabled.
func NewNotifier(cfg config.Notify, logger *zap.Logger) *Notifier {
	if !cfg.Enabled || cfg.WebhookURL == "" {
		return nil
	}
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2)
	return &Notifier{
		client: client,
		url:    cfg.WebhookURL,
		logger: logger,
	}
}

// Publish fires the event asynchronously. Delivery is best effort: a failed
// post is logged and forgotten, trading never waits on the webhook.
func (n *Notifier) Publish(event Event) {
	if n == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	go func() {
		resp, err := n.client.R().
			SetHeader("Content-Type", "application/json").
			SetBody(event).
			Post(n.url)
		if err != nil {
			n.logger.Warn("Webhook delivery failed", zap.String("kind", event.Kind), zap.Error(err))
			return
		}
		if resp.IsError() {
			n.logger.Warn("Webhook rejected event",
				zap.String("kind", event.Kind),
				zap.Int("status", resp.StatusCode()))
		}
	}()
}
