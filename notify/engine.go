package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// authTokenEnv names the environment variable holding the token sent to the
// engine's request endpoints.
const authTokenEnv = "INFLUXDB3_AUTH_TOKEN"

// EngineRequest is the body the alerting plugins POST to the notifier
// plugin's endpoint.
type EngineRequest struct {
	NotificationText string        `json:"notification_text"`
	SendersConfig    SendersConfig `json:"senders_config"`
}

// EngineClient posts notifications to a plugin request endpoint served by the
// processing engine on the local server.
type EngineClient struct {
	Port    int
	Path    string
	Token   string
	BaseURL string // overrides the localhost URL in tests
	Client  *http.Client
}

// NewEngineClient builds a client from the conventional trigger arguments:
// port (default 8181), notification_path (default "notify") and
// influxdb3_auth_token (environment fallback INFLUXDB3_AUTH_TOKEN).
func NewEngineClient(args pluginapi.Args) *EngineClient {
	token := args.String("influxdb3_auth_token", "")
	if token == "" {
		token = os.Getenv(authTokenEnv)
	}
	return &EngineClient{
		Port:  args.Int("port", 8181),
		Path:  args.String("notification_path", "notify"),
		Token: token,
	}
}

func (c *EngineClient) url() string {
	if c.BaseURL != "" {
		return fmt.Sprintf("%s/api/v3/engine/%s", c.BaseURL, c.Path)
	}
	return fmt.Sprintf("http://localhost:%d/api/v3/engine/%s", c.Port, c.Path)
}

func (c *EngineClient) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: requestTimeout}
}

// Send posts the notification text and sender configuration, retrying up to
// three times with exponential backoff.
func (c *EngineClient) Send(ctx context.Context, text string, senders SendersConfig) error {
	body, err := json.Marshal(EngineRequest{NotificationText: text, SendersConfig: senders})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
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

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}

		resp, err := c.client().Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("engine endpoint returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("notification failed after %d attempts: %w", maxAttempts, lastErr)
}

var templateVar = regexp.MustCompile(`\$(\w+)|\$\{(\w+)\}`)

// InterpolateText substitutes $var and ${var} references in template from
// vars. Unknown variables are left as written.
func InterpolateText(template string, vars map[string]string) string {
	return templateVar.ReplaceAllStringFunc(template, func(m string) string {
		name := templateVar.FindStringSubmatch(m)
		key := name[1]
		if key == "" {
			key = name[2]
		}
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}
