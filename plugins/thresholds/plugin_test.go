package thresholds

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/notify"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi/hosttest"
)

type captureNotifier struct {
	texts []string
}

func (c *captureNotifier) Send(_ context.Context, text string, _ notify.SendersConfig) error {
	c.texts = append(c.texts, text)
	return nil
}

func fixedClock() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newHost() *hosttest.Host {
	h := hosttest.New(fixedClock)
	h.Script("SHOW TABLES", []pluginapi.Row{
		{"table_name": "cpu", "table_type": "BASE TABLE"},
	})
	h.Script("Dictionary(Int32, Utf8)", []pluginapi.Row{
		{"column_name": "host"},
	})
	return h
}

func baseArgs() pluginapi.Args {
	return pluginapi.Args{
		"measurement":       "cpu",
		"senders":           "slack",
		"slack_webhook_url": "https://hooks.slack.com/services/x",
	}
}

func writeRow(t *testing.T, p *Plugin, h *hosttest.Host, args pluginapi.Args, row pluginapi.Row) {
	t.Helper()
	batches := []pluginapi.TableBatch{{TableName: "cpu", Rows: []pluginapi.Row{row}}}
	if err := p.ProcessWrites(context.Background(), h, batches, args); err != nil {
		t.Fatalf("ProcessWrites: %v", err)
	}
}

func TestWriteModeAlertsAfterTriggerCount(t *testing.T) {
	h := newHost()
	sink := &captureNotifier{}
	p := &Plugin{Now: fixedClock, Notifier: sink}

	args := baseArgs()
	args["field_conditions"] = "temp>30-ERROR"
	args["trigger_count"] = "2"

	writeRow(t, p, h, args, pluginapi.Row{"host": "web-01", "temp": 35.0})
	if len(sink.texts) != 0 {
		t.Fatalf("first match should not alert, got %v", sink.texts)
	}
	writeRow(t, p, h, args, pluginapi.Row{"host": "web-01", "temp": 36.0})
	if len(sink.texts) != 1 {
		t.Fatalf("alerts = %v", sink.texts)
	}
	text := sink.texts[0]
	for _, want := range []string{"[ERROR]", "temp", ">", "30", "host=web-01"} {
		if !strings.Contains(text, want) {
			t.Errorf("alert text %q missing %q", text, want)
		}
	}

	// Counter reset after the alert: a single further match does not fire.
	writeRow(t, p, h, args, pluginapi.Row{"host": "web-01", "temp": 40.0})
	if len(sink.texts) != 1 {
		t.Fatalf("expected streak reset after alert, got %v", sink.texts)
	}
}

func TestWriteModeInRangeValueResetsStreak(t *testing.T) {
	h := newHost()
	sink := &captureNotifier{}
	p := &Plugin{Now: fixedClock, Notifier: sink}

	args := baseArgs()
	args["field_conditions"] = "temp>30-WARN"
	args["trigger_count"] = "2"

	writeRow(t, p, h, args, pluginapi.Row{"host": "web-01", "temp": 35.0})
	writeRow(t, p, h, args, pluginapi.Row{"host": "web-01", "temp": 20.0})
	writeRow(t, p, h, args, pluginapi.Row{"host": "web-01", "temp": 35.0})
	if len(sink.texts) != 0 {
		t.Fatalf("streak should have reset, got %v", sink.texts)
	}
}

func TestWriteModeSeparateSeriesKeepSeparateStreaks(t *testing.T) {
	h := newHost()
	sink := &captureNotifier{}
	p := &Plugin{Now: fixedClock, Notifier: sink}

	args := baseArgs()
	args["field_conditions"] = "temp>30-ERROR"
	args["trigger_count"] = "2"

	writeRow(t, p, h, args, pluginapi.Row{"host": "web-01", "temp": 35.0})
	writeRow(t, p, h, args, pluginapi.Row{"host": "web-02", "temp": 35.0})
	if len(sink.texts) != 0 {
		t.Fatalf("different series must not share a streak, got %v", sink.texts)
	}
}

func TestWriteModeStringCondition(t *testing.T) {
	h := newHost()
	sink := &captureNotifier{}
	p := &Plugin{Now: fixedClock, Notifier: sink}

	args := baseArgs()
	args["field_conditions"] = "status=='down'-ERROR"

	writeRow(t, p, h, args, pluginapi.Row{"host": "web-01", "status": "down"})
	if len(sink.texts) != 1 {
		t.Fatalf("alerts = %v", sink.texts)
	}
}

func TestWriteModeMissingArgs(t *testing.T) {
	h := newHost()
	p := New()
	err := p.ProcessWrites(context.Background(), h, nil, pluginapi.Args{"measurement": "cpu"})
	if err == nil {
		t.Fatal("expected error for missing field_conditions and senders")
	}
}

func TestScheduledAggregationCondition(t *testing.T) {
	h := newHost()
	h.Script("DATE_BIN", []pluginapi.Row{
		{"_time": "2025-06-01T11:50:00Z", "temp_avg": 35.0, "host": "web-01"},
	})
	sink := &captureNotifier{}
	p := &Plugin{Now: fixedClock, Notifier: sink}

	args := baseArgs()
	args["window"] = "10min"
	args["field_aggregation_values"] = `temp:avg@">=30-ERROR"`

	if err := p.ProcessScheduledCall(context.Background(), h, fixedClock(), args); err != nil {
		t.Fatalf("ProcessScheduledCall: %v", err)
	}
	if len(sink.texts) != 1 {
		t.Fatalf("alerts = %v", sink.texts)
	}
	text := sink.texts[0]
	for _, want := range []string{"[ERROR]", "avg", "temp", ">=", "30", "cpu"} {
		if !strings.Contains(text, want) {
			t.Errorf("alert text %q missing %q", text, want)
		}
	}

	queries := h.Queries()
	last := queries[len(queries)-1]
	for _, want := range []string{
		"DATE_BIN(INTERVAL '5 minutes', time, '1970-01-01T00:00:00Z') AS _time",
		`avg("temp") AS "temp_avg"`,
		"time >= '2025-06-01T11:50:00Z'",
		"time < '2025-06-01T12:00:00Z'",
		"GROUP BY _time, host",
	} {
		if !strings.Contains(last, want) {
			t.Errorf("query %q missing %q", last, want)
		}
	}
}

func TestScheduledAggregationBelowThreshold(t *testing.T) {
	h := newHost()
	h.Script("DATE_BIN", []pluginapi.Row{
		{"_time": "2025-06-01T11:50:00Z", "temp_avg": 20.0, "host": "web-01"},
	})
	sink := &captureNotifier{}
	p := &Plugin{Now: fixedClock, Notifier: sink}

	args := baseArgs()
	args["window"] = "10min"
	args["field_aggregation_values"] = `temp:avg@">=30-ERROR"`

	if err := p.ProcessScheduledCall(context.Background(), h, fixedClock(), args); err != nil {
		t.Fatalf("ProcessScheduledCall: %v", err)
	}
	if len(sink.texts) != 0 {
		t.Fatalf("no alert expected, got %v", sink.texts)
	}
}

func TestScheduledDeadmanAlertsAfterTriggerCount(t *testing.T) {
	h := newHost()
	h.Script("DATE_BIN", nil)
	sink := &captureNotifier{}
	p := &Plugin{Now: fixedClock, Notifier: sink}

	args := baseArgs()
	args["window"] = "5min"
	args["deadman_check"] = "true"
	args["trigger_count"] = "2"

	if err := p.ProcessScheduledCall(context.Background(), h, fixedClock(), args); err != nil {
		t.Fatalf("ProcessScheduledCall: %v", err)
	}
	if len(sink.texts) != 0 {
		t.Fatalf("first empty window should not alert, got %v", sink.texts)
	}

	if err := p.ProcessScheduledCall(context.Background(), h, fixedClock(), args); err != nil {
		t.Fatalf("ProcessScheduledCall: %v", err)
	}
	if len(sink.texts) != 1 {
		t.Fatalf("alerts = %v", sink.texts)
	}
	if !strings.Contains(sink.texts[0], "No data received from cpu") {
		t.Fatalf("alert text = %q", sink.texts[0])
	}
}

func TestScheduledDataResetsDeadmanStreak(t *testing.T) {
	h := newHost()
	h.Script("DATE_BIN", []pluginapi.Row{
		{"_time": "2025-06-01T11:55:00Z", "host": "web-01"},
	})
	sink := &captureNotifier{}
	p := &Plugin{Now: fixedClock, Notifier: sink}

	args := baseArgs()
	args["window"] = "5min"
	args["deadman_check"] = "true"
	args["trigger_count"] = "2"

	h.Cache().Put("cpu", 1)
	if err := p.ProcessScheduledCall(context.Background(), h, fixedClock(), args); err != nil {
		t.Fatalf("ProcessScheduledCall: %v", err)
	}
	if len(sink.texts) != 0 {
		t.Fatalf("data in window must reset the streak, got %v", sink.texts)
	}
	if v, _ := h.Cache().Get("cpu"); v != 0 {
		t.Fatalf("deadman streak = %v, want 0", v)
	}
}

func TestScheduledRequiresConditionsOrDeadman(t *testing.T) {
	h := newHost()
	p := New()

	args := baseArgs()
	args["window"] = "5min"

	if err := p.ProcessScheduledCall(context.Background(), h, fixedClock(), args); err == nil {
		t.Fatal("expected error when neither aggregation conditions nor deadman_check set")
	}
}
