package influxhttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type recordedRequest struct {
	method  string
	path    string
	query   string
	auth    string
	body    string
	content string
}

// recordingServer answers every request with status and body, capturing what
// was sent.
func recordingServer(t *testing.T, status int, respBody string) (*Client, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.auth = r.Header.Get("Authorization")
		rec.content = r.Header.Get("Content-Type")
		rec.body = string(body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, "secret-token")
	c.HTTPClient = srv.Client()
	return c, rec
}

func TestQuerySQL(t *testing.T) {
	c, rec := recordingServer(t, http.StatusOK, `[{"host":"web-01","temp":25.5}]`)

	rows, err := c.QuerySQL(context.Background(), "metrics", "SELECT * FROM cpu WHERE host = $host", map[string]any{"host": "web-01"})
	if err != nil {
		t.Fatalf("QuerySQL: %v", err)
	}
	if len(rows) != 1 || rows[0]["host"] != "web-01" {
		t.Fatalf("rows = %v", rows)
	}

	if rec.method != http.MethodPost || rec.path != "/api/v3/query_sql" {
		t.Errorf("request = %s %s", rec.method, rec.path)
	}
	if rec.auth != "Bearer secret-token" {
		t.Errorf("auth = %q", rec.auth)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(rec.body), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["db"] != "metrics" || payload["format"] != "json" {
		t.Errorf("payload = %v", payload)
	}
	if params, ok := payload["params"].(map[string]any); !ok || params["host"] != "web-01" {
		t.Errorf("params = %v", payload["params"])
	}
}

func TestWriteLP(t *testing.T) {
	c, rec := recordingServer(t, http.StatusNoContent, "")

	lines := []string{"cpu,host=a temp=1", "cpu,host=b temp=2"}
	if err := c.WriteLP(context.Background(), "metrics", lines); err != nil {
		t.Fatalf("WriteLP: %v", err)
	}
	if rec.path != "/api/v3/write_lp" || rec.query != "db=metrics" {
		t.Errorf("request = %s?%s", rec.path, rec.query)
	}
	if rec.content != "text/plain" {
		t.Errorf("content type = %q", rec.content)
	}
	if rec.body != strings.Join(lines, "\n") {
		t.Errorf("body = %q", rec.body)
	}

	// Nothing to write means no request at all.
	rec.path = ""
	if err := c.WriteLP(context.Background(), "metrics", nil); err != nil {
		t.Fatalf("WriteLP(nil): %v", err)
	}
	if rec.path != "" {
		t.Error("empty write should not hit the server")
	}
}

func TestDatabaseLifecycle(t *testing.T) {
	c, rec := recordingServer(t, http.StatusOK, "{}")

	if err := c.CreateDatabase(context.Background(), "metrics"); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	if rec.method != http.MethodPost || rec.path != "/api/v3/configure/database" {
		t.Errorf("create request = %s %s", rec.method, rec.path)
	}
	if !strings.Contains(rec.body, `"db":"metrics"`) {
		t.Errorf("create body = %q", rec.body)
	}

	if err := c.DeleteDatabase(context.Background(), "metrics"); err != nil {
		t.Fatalf("DeleteDatabase: %v", err)
	}
	if rec.method != http.MethodDelete || rec.query != "db=metrics" {
		t.Errorf("delete request = %s?%s", rec.method, rec.query)
	}
}

func TestTriggerLifecycle(t *testing.T) {
	c, rec := recordingServer(t, http.StatusOK, "{}")

	trigger := Trigger{
		Name:           "downsample-cpu",
		PluginFilename: "downsampler",
		Spec:           SpecEvery(5 * time.Minute),
		Database:       "metrics",
		Arguments:      map[string]string{"source_measurement": "cpu"},
	}
	if err := c.CreateTrigger(context.Background(), trigger); err != nil {
		t.Fatalf("CreateTrigger: %v", err)
	}
	if rec.path != "/api/v3/configure/processing_engine_trigger" {
		t.Errorf("create path = %s", rec.path)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(rec.body), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["trigger_name"] != "downsample-cpu" || payload["trigger_specification"] != "every:5m0s" {
		t.Errorf("payload = %v", payload)
	}

	if err := c.DeleteTrigger(context.Background(), "metrics", "downsample-cpu", true); err != nil {
		t.Fatalf("DeleteTrigger: %v", err)
	}
	if rec.method != http.MethodDelete {
		t.Errorf("delete method = %s", rec.method)
	}
	for _, want := range []string{"db=metrics", "trigger_name=downsample-cpu", "force=true"} {
		if !strings.Contains(rec.query, want) {
			t.Errorf("delete query %q missing %q", rec.query, want)
		}
	}
}

func TestErrorResponsesSurfaceMessage(t *testing.T) {
	c, _ := recordingServer(t, http.StatusConflict, `{"error":"database already exists"}`)

	err := c.CreateDatabase(context.Background(), "metrics")
	if err == nil || !strings.Contains(err.Error(), "database already exists") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "status 409") {
		t.Errorf("err %v missing status code", err)
	}
}

func TestHealth(t *testing.T) {
	c, rec := recordingServer(t, http.StatusOK, "OK")
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if rec.path != "/health" {
		t.Errorf("path = %s", rec.path)
	}

	down, _ := recordingServer(t, http.StatusServiceUnavailable, "")
	if err := down.Health(context.Background()); err == nil {
		t.Error("expected error from unhealthy server")
	}
}

func TestSpecs(t *testing.T) {
	if got := SpecEvery(time.Minute); got != "every:1m0s" {
		t.Errorf("SpecEvery = %q", got)
	}
	if got := SpecTable("cpu"); got != "table:cpu" {
		t.Errorf("SpecTable = %q", got)
	}
	if got := SpecTable(""); got != "all_tables" {
		t.Errorf("SpecTable(\"\") = %q", got)
	}
	if got := SpecRequest("/alerts"); got != "request:alerts" {
		t.Errorf("SpecRequest = %q", got)
	}
}
