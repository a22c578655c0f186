package influxhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

const defaultTimeout = 30 * time.Second

// Client talks to one InfluxDB 3 server. The token is sent as a bearer
// credential on every request.
type Client struct {
	BaseURL string
	Token   string
	// HTTPClient overrides the transport, for tests. When nil a client with
	// a 30s timeout is used.
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Token: token}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// apiError is the JSON error body the server returns on failed calls.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, contentType string, body []byte) ([]byte, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		var ae apiError
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &ae) == nil {
			if ae.Message != "" {
				msg = ae.Message
			} else if ae.Error != "" {
				msg = ae.Error
			}
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	return data, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, nil, "application/json", body)
}

// Health reports whether the server answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, "", nil)
	return err
}

// QuerySQL runs a SQL query against db and returns the rows in JSON format.
// params values are substituted for $name placeholders server-side.
func (c *Client) QuerySQL(ctx context.Context, db, sql string, params map[string]any) ([]pluginapi.Row, error) {
	payload := map[string]any{
		"db":     db,
		"q":      sql,
		"format": "json",
	}
	if len(params) > 0 {
		payload["params"] = params
	}
	data, err := c.postJSON(ctx, "/api/v3/query_sql", payload)
	if err != nil {
		return nil, err
	}
	var rows []pluginapi.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode query result: %w", err)
	}
	return rows, nil
}

// WriteLP writes line protocol records to db.
func (c *Client) WriteLP(ctx context.Context, db string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	query := url.Values{"db": {db}}
	body := []byte(strings.Join(lines, "\n"))
	_, err := c.do(ctx, http.MethodPost, "/api/v3/write_lp", query, "text/plain", body)
	return err
}

// CreateDatabase creates db. Creating a database that already exists is an
// error the server reports.
func (c *Client) CreateDatabase(ctx context.Context, db string) error {
	_, err := c.postJSON(ctx, "/api/v3/configure/database", map[string]string{"db": db})
	return err
}

// DeleteDatabase deletes db and everything in it.
func (c *Client) DeleteDatabase(ctx context.Context, db string) error {
	query := url.Values{"db": {db}}
	_, err := c.do(ctx, http.MethodDelete, "/api/v3/configure/database", query, "", nil)
	return err
}

// Trigger describes one processing-engine trigger.
type Trigger struct {
	Name           string            `json:"trigger_name"`
	PluginFilename string            `json:"plugin_filename"`
	Spec           string            `json:"trigger_specification"`
	Database       string            `json:"db"`
	Arguments      map[string]string `json:"trigger_arguments,omitempty"`
	Settings       TriggerSettings   `json:"trigger_settings"`
}

// TriggerSettings carries the execution flags for a trigger.
type TriggerSettings struct {
	RunAsync      bool   `json:"run_async"`
	ErrorBehavior string `json:"error_behavior,omitempty"`
}

// CreateTrigger registers t with the processing engine.
func (c *Client) CreateTrigger(ctx context.Context, t Trigger) error {
	_, err := c.postJSON(ctx, "/api/v3/configure/processing_engine_trigger", t)
	return err
}

// DeleteTrigger removes the named trigger. force deletes it even while it is
// running.
func (c *Client) DeleteTrigger(ctx context.Context, db, name string, force bool) error {
	query := url.Values{"db": {db}, "trigger_name": {name}}
	if force {
		query.Set("force", "true")
	}
	_, err := c.do(ctx, http.MethodDelete, "/api/v3/configure/processing_engine_trigger", query, "", nil)
	return err
}

// SpecEvery builds an every:<interval> trigger specification.
func SpecEvery(d time.Duration) string {
	return "every:" + d.String()
}

// SpecTable builds a table:<name> trigger specification. An empty name means
// every table.
func SpecTable(name string) string {
	if name == "" {
		return "all_tables"
	}
	return "table:" + name
}

// SpecRequest builds a request:<path> trigger specification.
func SpecRequest(path string) string {
	return "request:" + strings.TrimPrefix(path, "/")
}
