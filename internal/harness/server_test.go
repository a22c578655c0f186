package harness

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/peterbarnett03/influxdb3-plugins/internal/influxhttp"
	"github.com/peterbarnett03/influxdb3-plugins/internal/runfeed"
)

// fakeInflux stands in for the InfluxDB 3 server behind the harness. It
// answers schema queries with a fixed cpu measurement (tag "host", field
// "temp") and records every line protocol write.
type fakeInflux struct {
	mu      sync.Mutex
	queries []string
	writes  []string
}

func (f *fakeInflux) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/query_sql", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Q string `json:"q"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.queries = append(f.queries, payload.Q)
		f.mu.Unlock()

		rows := []map[string]any{}
		switch {
		case strings.Contains(payload.Q, "!="):
			rows = append(rows, map[string]any{"column_name": "temp"})
		case strings.Contains(payload.Q, "Dictionary"):
			rows = append(rows, map[string]any{"column_name": "host"})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	})
	mux.HandleFunc("/api/v3/write_lp", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.writes = append(f.writes, string(body))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (f *fakeInflux) allWrites() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.writes, "\n")
}

func (f *fakeInflux) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires a Server and its Runner against a fake InfluxDB server
// and returns the harness's own test listener alongside the fake.
func newHarness(t *testing.T, httpCfg HTTPConfig, triggers []TriggerConfig) (*httptest.Server, *fakeInflux) {
	t.Helper()

	fake := &fakeInflux{}
	upstream := httptest.NewServer(fake.handler())
	t.Cleanup(upstream.Close)

	log := discardLogger()
	client := influxhttp.New(upstream.URL, "")
	feed := runfeed.New()
	runner := NewRunner(client, feed, log)
	if err := runner.Apply(context.Background(), &Config{Triggers: triggers}); err != nil {
		t.Fatalf("apply triggers: %v", err)
	}
	t.Cleanup(runner.Stop)

	srv := httptest.NewServer(NewServer(httpCfg, runner, client, feed, log))
	t.Cleanup(srv.Close)
	return srv, fake
}

func notifyTrigger() TriggerConfig {
	return TriggerConfig{
		Name:     "alert-hub",
		Plugin:   "notifier",
		Spec:     "request:notify",
		Database: "metrics",
	}
}

func transformTrigger() TriggerConfig {
	return TriggerConfig{
		Name:     "rename-cpu",
		Plugin:   "transformer",
		Spec:     "table:cpu",
		Database: "metrics",
		Args: map[string]string{
			"measurement":           "cpu",
			"target_measurement":    "cpu_norm",
			"names_transformations": "temp:upper",
		},
	}
}

func TestEngineRequestRoundTrip(t *testing.T) {
	srv, _ := newHarness(t, HTTPConfig{}, []TriggerConfig{notifyTrigger()})

	body := `{"notification_text":"disk full","senders_config":{"carrier_pigeon":{}}}`
	resp, err := http.Post(srv.URL+"/api/v3/engine/notify", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Status  string         `json:"status"`
		Results map[string]any `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Status != "success" {
		t.Errorf("status = %q, want success", out.Status)
	}
	if out.Results["carrier_pigeon"] != "Invalid sender" {
		t.Errorf("results = %v, want carrier_pigeon marked invalid", out.Results)
	}
}

func TestEngineUnboundPathIs404(t *testing.T) {
	srv, _ := newHarness(t, HTTPConfig{}, []TriggerConfig{notifyTrigger()})

	resp, err := http.Post(srv.URL+"/api/v3/engine/missing", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	t.Setenv("HARNESS_AUTH_TOKEN", "secret")
	srv, _ := newHarness(t, HTTPConfig{AuthTokenEnv: "HARNESS_AUTH_TOKEN"}, []TriggerConfig{notifyTrigger()})

	resp, err := http.Post(srv.URL+"/api/v3/engine/notify", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("without token: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v3/engine/notify", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post with token: %v", err)
	}
	resp.Body.Close()
	// Empty JSON body is a plugin-level bad request, not an auth failure.
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("with token: status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health should bypass auth, got %d", resp.StatusCode)
	}
}

func TestWriteForwardsAndDispatches(t *testing.T) {
	srv, fake := newHarness(t, HTTPConfig{}, []TriggerConfig{transformTrigger()})

	lp := "cpu,host=web-01 temp=25.5 1740830400000000000\nmem used=512i 1740830400000000000"
	resp, err := http.Post(srv.URL+"/api/v3/write_lp?db=metrics", "text/plain", strings.NewReader(lp))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	writes := fake.allWrites()
	if !strings.Contains(writes, "cpu,host=web-01 temp=25.5") {
		t.Errorf("original write not forwarded:\n%s", writes)
	}
	if !strings.Contains(writes, "cpu_norm,host=web-01 TEMP=25.5 1740830400000000000") {
		t.Errorf("transformed write missing:\n%s", writes)
	}
}

func TestWriteToOtherDatabaseSkipsTriggers(t *testing.T) {
	srv, fake := newHarness(t, HTTPConfig{}, []TriggerConfig{transformTrigger()})

	lp := "cpu,host=web-01 temp=25.5 1740830400000000000"
	resp, err := http.Post(srv.URL+"/api/v3/write_lp?db=staging", "text/plain", strings.NewReader(lp))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	if n := fake.writeCount(); n != 1 {
		t.Fatalf("got %d upstream writes, want only the forwarded one", n)
	}
	if strings.Contains(fake.allWrites(), "cpu_norm") {
		t.Error("trigger ran for a database it is not bound to")
	}
}

func TestWriteRejectsBadRequests(t *testing.T) {
	srv, fake := newHarness(t, HTTPConfig{}, nil)

	cases := []struct {
		name string
		url  string
		body string
	}{
		{"missing db", srv.URL + "/api/v3/write_lp", "cpu temp=1 1740830400000000000"},
		{"garbage body", srv.URL + "/api/v3/write_lp?db=metrics", "this is not line protocol"},
		{"empty body", srv.URL + "/api/v3/write_lp?db=metrics", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(tc.url, "text/plain", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
	if fake.writeCount() != 0 {
		t.Error("rejected requests must not be forwarded")
	}
}
