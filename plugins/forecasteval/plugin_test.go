package forecasteval

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/notify"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi/hosttest"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureNotifier struct {
	texts []string
}

func (c *captureNotifier) Send(_ context.Context, text string, _ notify.SendersConfig) error {
	c.texts = append(c.texts, text)
	return nil
}

type movableClock struct {
	t time.Time
}

func (c *movableClock) Now() time.Time          { return c.t }
func (c *movableClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newHost(clock *movableClock) *hosttest.Host {
	h := hosttest.New(clock.Now)
	h.Script("Dictionary(Int32, Utf8)", []pluginapi.Row{
		{"column_name": "host"},
	})
	return h
}

func baseArgs() pluginapi.Args {
	return pluginapi.Args{
		"forecast_measurement": "temp_forecast",
		"actual_measurement":   "temp_actual",
		"forecast_field":       "value",
		"actual_field":         "value",
		"error_metric":         "mae",
		"error_thresholds":     "ERROR-1.0",
		"window":               "10min",
		"senders":              "slack",
		"slack_webhook_url":    "https://hooks.slack.com/services/x",
	}
}

func scriptSeries(h *hosttest.Host, forecast, actual float64) {
	h.Script("FROM temp_forecast", []pluginapi.Row{
		{"time": "2025-06-01T11:55:00Z", "value": forecast, "host": "web-01"},
	})
	h.Script("FROM temp_actual", []pluginapi.Row{
		{"time": "2025-06-01T11:55:00Z", "value": actual, "host": "web-01"},
	})
}

func run(t *testing.T, p *Plugin, h *hosttest.Host, clock *movableClock, args pluginapi.Args) {
	t.Helper()
	if err := p.ProcessScheduledCall(context.Background(), h, clock.Now(), args); err != nil {
		t.Fatalf("ProcessScheduledCall: %v", err)
	}
}

func TestParseErrorThresholds(t *testing.T) {
	thresholds, err := parseErrorThresholds(`INFO-0.5:ERROR-"1.0"`, discard())
	if err != nil {
		t.Fatalf("parseErrorThresholds: %v", err)
	}
	if len(thresholds) != 2 {
		t.Fatalf("thresholds = %+v", thresholds)
	}
	if thresholds[0].Level != "INFO" || thresholds[0].Value != 0.5 {
		t.Errorf("thresholds[0] = %+v", thresholds[0])
	}
	if thresholds[1].Level != "ERROR" || thresholds[1].Value != 1.0 {
		t.Errorf("thresholds[1] = %+v", thresholds[1])
	}
}

func TestParseErrorThresholdsAllInvalid(t *testing.T) {
	if _, err := parseErrorThresholds("DEBUG-1.0:ERROR-abc", discard()); err == nil {
		t.Fatal("expected error when no threshold survives")
	}
}

func TestErrorValue(t *testing.T) {
	if got := errorValue("mse", 3, 1); got != 4 {
		t.Errorf("mse = %v, want 4", got)
	}
	if got := errorValue("mae", 1, 3); got != 2 {
		t.Errorf("mae = %v, want 2", got)
	}
	if got := errorValue("rmse", 1, 3); got != 2 {
		t.Errorf("rmse = %v, want 2", got)
	}
}

func TestAlertsOnSecondConsecutiveRun(t *testing.T) {
	clock := &movableClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := newHost(clock)
	scriptSeries(h, 10, 5)
	sink := &captureNotifier{}
	p := &Plugin{Now: clock.Now, Notifier: sink}

	args := baseArgs()

	// First run records the onset only.
	run(t, p, h, clock, args)
	if len(sink.texts) != 0 {
		t.Fatalf("first run should only record onset, got %v", sink.texts)
	}

	run(t, p, h, clock, args)
	if len(sink.texts) != 1 {
		t.Fatalf("alerts = %v", sink.texts)
	}
	for _, want := range []string{"[ERROR]", "temp_actual.value", "mae=5", "host=web-01"} {
		if !strings.Contains(sink.texts[0], want) {
			t.Errorf("alert text %q missing %q", sink.texts[0], want)
		}
	}
}

func TestMinConditionDurationDefersAlert(t *testing.T) {
	clock := &movableClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := newHost(clock)
	scriptSeries(h, 10, 5)
	sink := &captureNotifier{}
	p := &Plugin{Now: clock.Now, Notifier: sink}

	args := baseArgs()
	args["min_condition_duration"] = "5min"

	run(t, p, h, clock, args)
	clock.Advance(2 * time.Minute)
	run(t, p, h, clock, args)
	if len(sink.texts) != 0 {
		t.Fatalf("no alert expected before the duration elapses, got %v", sink.texts)
	}

	clock.Advance(4 * time.Minute)
	run(t, p, h, clock, args)
	if len(sink.texts) != 1 {
		t.Fatalf("alerts = %v", sink.texts)
	}

	// Onset cleared after the alert, so the next run starts over.
	run(t, p, h, clock, args)
	if len(sink.texts) != 1 {
		t.Fatalf("expected onset reset after alert, got %v", sink.texts)
	}
}

func TestErrorBelowThresholdClearsOnset(t *testing.T) {
	clock := &movableClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := newHost(clock)
	scriptSeries(h, 5.2, 5)
	sink := &captureNotifier{}
	p := &Plugin{Now: clock.Now, Notifier: sink}

	args := baseArgs()

	run(t, p, h, clock, args)
	run(t, p, h, clock, args)
	if len(sink.texts) != 0 {
		t.Fatalf("error below threshold must not alert, got %v", sink.texts)
	}
}

func TestNoOverlapIsAnError(t *testing.T) {
	clock := &movableClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := newHost(clock)
	h.Script("FROM temp_forecast", []pluginapi.Row{
		{"time": "2025-06-01T11:55:00Z", "value": 10.0, "host": "web-01"},
	})
	h.Script("FROM temp_actual", []pluginapi.Row{
		{"time": "2025-06-01T11:58:00Z", "value": 5.0, "host": "web-01"},
	})
	p := &Plugin{Now: clock.Now, Notifier: &captureNotifier{}}

	if err := p.ProcessScheduledCall(context.Background(), h, clock.Now(), baseArgs()); err == nil {
		t.Fatal("expected error when no timestamps overlap")
	}
}

func TestRoundingAlignsNearbyTimestamps(t *testing.T) {
	clock := &movableClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := newHost(clock)
	h.Script("FROM temp_forecast", []pluginapi.Row{
		{"time": "2025-06-01T11:55:00.4Z", "value": 10.0, "host": "web-01"},
	})
	h.Script("FROM temp_actual", []pluginapi.Row{
		{"time": "2025-06-01T11:55:00Z", "value": 5.0, "host": "web-01"},
	})
	sink := &captureNotifier{}
	p := &Plugin{Now: clock.Now, Notifier: sink}

	args := baseArgs()
	args["rounding_freq"] = "1s"

	run(t, p, h, clock, args)
	run(t, p, h, clock, args)
	if len(sink.texts) != 1 {
		t.Fatalf("alerts = %v", sink.texts)
	}
}

func TestMissingArgs(t *testing.T) {
	clock := &movableClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := newHost(clock)
	p := New()

	args := baseArgs()
	delete(args, "error_metric")

	if err := p.ProcessScheduledCall(context.Background(), h, clock.Now(), args); err == nil {
		t.Fatal("expected error for missing error_metric")
	}
}
