package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// SlackChannel posts to a Slack incoming webhook.
type SlackChannel struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewSlackChannel creates a webhook channel for url.
func NewSlackChannel(url string, timeout time.Duration, logger zerolog.Logger) *SlackChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackChannel{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_slack").Logger(),
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]string{"text": msg.Text})
	if err != nil {
		return Permanent(fmt.Errorf("slack: marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("slack: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("slack", resp.StatusCode)
	}

	c.logger.Info().Str("subject", msg.Subject).Msg("alert sent (slack)")
	return nil
}

var _ Channel = (*SlackChannel)(nil)
