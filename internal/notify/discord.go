package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	discordTitleLimit       = 256
	discordDescriptionLimit = 4096
	discordMaxRetryAfter    = 5 * time.Second
	discordColor            = 0xE67E22
)

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// DiscordSender posts alerts to a Discord webhook as a single embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// Send posts the alert. A 429 is retried once after the advertised delay
// when that delay is short.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	body, err := json.Marshal(discordPayload{
		Username: "polyarb",
		Embeds: []discordEmbed{{
			Title:       clip(title, discordTitleLimit),
			Description: clip(message, discordDescriptionLimit),
			Color:       discordColor,
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	wait, err := d.post(ctx, body)
	if err != nil || wait == 0 {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}
	if wait, err = d.post(ctx, body); wait > 0 {
		return fmt.Errorf("discord: still rate limited after retry")
	}
	return err
}

// post returns a non-zero wait when the webhook is rate limited and the
// retry delay is within discordMaxRetryAfter.
func (d *DiscordSender) post(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var rl struct {
			RetryAfter float64 `json:"retry_after"`
		}
		_ = json.Unmarshal(respBody, &rl)
		wait := time.Duration(rl.RetryAfter * float64(time.Second))
		if wait <= 0 || wait > discordMaxRetryAfter {
			return 0, fmt.Errorf("discord: rate limited, retry after %.1fs", rl.RetryAfter)
		}
		return wait, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return 0, fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return 0, nil
}

// Name returns "discord".
func (d *DiscordSender) Name() string { return "discord" }

// clip cuts s to at most n runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
