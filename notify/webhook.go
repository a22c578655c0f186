package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
)

const (
	maxAttempts    = 3
	requestTimeout = 10 * time.Second
)

// backoffMin is a variable so tests can shrink the retry delay.
var backoffMin = time.Second

// newBackoff returns the retry policy shared by all deliveries: exponential
// with jitter, starting at one second.
func newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    backoffMin,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}

// Sender delivers one notification message.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Webhook posts a JSON payload to a fixed URL. PayloadKey selects the
// channel's message field: "text" for Slack, "content" for Discord,
// "message" for plain HTTP receivers.
type Webhook struct {
	URL        string
	PayloadKey string
	Headers    map[string]string
	Client     *http.Client
}

// NewSlack returns a webhook sender with Slack's payload shape.
func NewSlack(url string, headers map[string]string) *Webhook {
	return &Webhook{URL: url, PayloadKey: "text", Headers: headers}
}

// NewDiscord returns a webhook sender with Discord's payload shape.
func NewDiscord(url string, headers map[string]string) *Webhook {
	return &Webhook{URL: url, PayloadKey: "content", Headers: headers}
}

// NewHTTP returns a generic webhook sender.
func NewHTTP(url string, headers map[string]string) *Webhook {
	return &Webhook{URL: url, PayloadKey: "message", Headers: headers}
}

func (w *Webhook) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	return &http.Client{Timeout: requestTimeout}
}

// Send posts the message, retrying up to three times with exponential
// backoff. 200 and 204 responses count as delivered.
func (w *Webhook) Send(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]string{w.PayloadKey: message})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	b := newBackoff()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.Headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client().Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", maxAttempts, lastErr)
}
