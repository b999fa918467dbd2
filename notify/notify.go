// Package notify delivers operator alerts to a webhook. Delivery is
// best-effort: a down webhook never stalls or fails trading code.
package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Notifier posts alert payloads to a configured webhook URL.
type Notifier struct {
	http *resty.Client
	url  string
}

// New creates a notifier. An empty URL disables delivery; Alert becomes a
// log-only no-op.
func New(url string) *Notifier {
	return &Notifier{
		http: resty.New().
			SetTimeout(5 * time.Second).
			SetHeader("Content-Type", "application/json"),
		url: url,
	}
}

type payload struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Alert sends one notification, retrying once. Failures are logged and
// swallowed.
func (n *Notifier) Alert(ctx context.Context, level, message string) {
	if n.url == "" {
		log.Debug().Str("level", level).Str("message", message).Msg("Webhook disabled, alert dropped")
		return
	}

	body := payload{
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := n.http.R().SetContext(ctx).SetBody(body).Post(n.url)
		if err == nil && resp.StatusCode() < 300 {
			return
		}
		lastErr = err
		if err == nil {
			log.Warn().Int("status", resp.StatusCode()).Msg("Webhook rejected alert")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
	log.Warn().Err(lastErr).Str("message", message).Msg("⚠️ Alert delivery failed")
}
