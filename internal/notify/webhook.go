package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"tradebridge/internal/config"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookChannel posts notifications as JSON to a URL.
type WebhookChannel struct {
	url     string
	enabled bool
	client  *resty.Client
}

// NewWebhookChannel creates a webhook channel. Extra headers (for example an
// authorization token) are sent with every request.
func NewWebhookChannel(cfg config.WebhookConfig) *WebhookChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "tradebridge")
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}
	return &WebhookChannel{
		url:     cfg.URL,
		enabled: cfg.URL != "",
		client:  client,
	}
}

// Name returns the name of the channel.
func (w *WebhookChannel) Name() string {
	return "webhook"
}

// IsEnabled returns whether the channel has a destination.
func (w *WebhookChannel) IsEnabled() bool {
	return w.enabled
}

// Send posts n to the webhook URL.
func (w *WebhookChannel) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(payload{
			Type:      n.Type,
			Title:     n.Title,
			Message:   n.Message,
			Data:      n.Data,
			Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
		}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

type payload struct {
	Type      Type                   `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp string                 `json:"timestamp"`
}
