package harness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/internal/influxhttp"
	"github.com/peterbarnett03/influxdb3-plugins/internal/runfeed"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

func newRunner(t *testing.T) (*Runner, *fakeInflux) {
	t.Helper()

	fake := &fakeInflux{}
	upstream := httptest.NewServer(fake.handler())
	t.Cleanup(upstream.Close)

	runner := NewRunner(influxhttp.New(upstream.URL, ""), runfeed.New(), discardLogger())
	t.Cleanup(runner.Stop)
	return runner, fake
}

func TestScheduledTriggerRuns(t *testing.T) {
	metrics := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte("# TYPE node_memory_MemTotal_bytes gauge\n" +
			"node_memory_MemTotal_bytes 1000\n" +
			"# TYPE node_memory_MemAvailable_bytes gauge\n" +
			"node_memory_MemAvailable_bytes 400\n"))
	}))
	t.Cleanup(metrics.Close)

	runner, fake := newRunner(t)
	cfg := &Config{Triggers: []TriggerConfig{{
		Name:     "metrics-poll",
		Plugin:   "sysmetrics",
		Spec:     "every:25ms",
		Database: "metrics",
		Args: map[string]string{
			"endpoint":        metrics.URL,
			"hostname":        "web-01",
			"include_cpu":     "false",
			"include_disk":    "false",
			"include_network": "false",
		},
	}}}
	if err := runner.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(fake.allWrites(), "system_memory,host=web-01") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no scheduled write observed, upstream saw:\n%s", fake.allWrites())
}

func TestApplyReplacesTriggerSet(t *testing.T) {
	runner, _ := newRunner(t)
	ctx := context.Background()

	first := &Config{Triggers: []TriggerConfig{{
		Name: "alpha-hub", Plugin: "notifier", Spec: "request:alpha", Database: "metrics",
	}}}
	if err := runner.Apply(ctx, first); err != nil {
		t.Fatalf("apply first: %v", err)
	}
	if _, ok := runner.HandleEngine(ctx, "alpha", &pluginapi.Request{}); !ok {
		t.Fatal("alpha trigger not routable after first apply")
	}

	second := &Config{Triggers: []TriggerConfig{{
		Name: "beta-hub", Plugin: "notifier", Spec: "request:beta", Database: "metrics",
	}}}
	if err := runner.Apply(ctx, second); err != nil {
		t.Fatalf("apply second: %v", err)
	}
	if _, ok := runner.HandleEngine(ctx, "alpha", &pluginapi.Request{}); ok {
		t.Error("alpha trigger survived the reload")
	}
	if _, ok := runner.HandleEngine(ctx, "beta", &pluginapi.Request{}); !ok {
		t.Error("beta trigger not routable after reload")
	}
}

func TestApplyRejectsInvalidTriggers(t *testing.T) {
	runner, _ := newRunner(t)
	ctx := context.Background()

	bad := []TriggerConfig{
		{Name: "x", Plugin: "no-such-plugin", Spec: "every:5m", Database: "metrics"},
		{Name: "x", Plugin: "notifier", Spec: "hourly", Database: "metrics"},
	}
	for _, tc := range bad {
		if err := runner.Apply(ctx, &Config{Triggers: []TriggerConfig{tc}}); err == nil {
			t.Errorf("Apply accepted %+v", tc)
		}
	}
}

func TestEngineResponseStatusPassthrough(t *testing.T) {
	runner, _ := newRunner(t)
	ctx := context.Background()

	cfg := &Config{Triggers: []TriggerConfig{{
		Name: "alert-hub", Plugin: "notifier", Spec: "request:notify", Database: "metrics",
	}}}
	if err := runner.Apply(ctx, cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Empty body is a plugin-level bad request; the harness passes the
	// plugin's status through.
	resp, ok := runner.HandleEngine(ctx, "notify", &pluginapi.Request{})
	if !ok {
		t.Fatal("notify trigger not routable")
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
