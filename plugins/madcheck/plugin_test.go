package madcheck

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

type movableClock struct {
	t time.Time
}

func (c *movableClock) Now() time.Time          { return c.t }
func (c *movableClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newHost(clock *movableClock) *hosttest.Host {
	h := hosttest.New(clock.Now)
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

func writeRow(t *testing.T, p *Plugin, h *hosttest.Host, args pluginapi.Args, value float64) {
	t.Helper()
	batches := []pluginapi.TableBatch{
		{TableName: "cpu", Rows: []pluginapi.Row{{"host": "web-01", "temp": value}}},
	}
	if err := p.ProcessWrites(context.Background(), h, batches, args); err != nil {
		t.Fatalf("ProcessWrites: %v", err)
	}
}

func TestCountModeAlertsAfterConsecutiveOutliers(t *testing.T) {
	clock := &movableClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	h := newHost(clock)
	sink := &captureNotifier{}
	p := &Plugin{Now: clock.Now, Notifier: sink}

	args := baseArgs()
	args["mad_thresholds"] = "temp:2:5:2"

	// Fill the window with a stable baseline.
	for i := 0; i < 5; i++ {
		writeRow(t, p, h, args, 10)
	}
	if len(sink.texts) != 0 {
		t.Fatalf("no alert expected during baseline, got %v", sink.texts)
	}

	// Two consecutive outliers trip the count threshold.
	writeRow(t, p, h, args, 100)
	if len(sink.texts) != 0 {
		t.Fatalf("one outlier should not alert, got %v", sink.texts)
	}
	writeRow(t, p, h, args, 100)
	if len(sink.texts) != 1 {
		t.Fatalf("alerts = %v", sink.texts)
	}
	if !strings.Contains(sink.texts[0], "temp") || !strings.Contains(sink.texts[0], "cpu") {
		t.Fatalf("alert text = %q", sink.texts[0])
	}

	// Counter reset after the alert: the next outlier starts a new streak.
	writeRow(t, p, h, args, 100)
	if len(sink.texts) != 1 {
		t.Fatalf("counter should reset after alert, got %v", sink.texts)
	}
}

func TestCountModeResetsOnInRangeValue(t *testing.T) {
	clock := &movableClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	h := newHost(clock)
	sink := &captureNotifier{}
	p := &Plugin{Now: clock.Now, Notifier: sink}

	args := baseArgs()
	args["mad_thresholds"] = "temp:2:5:2"

	for i := 0; i < 5; i++ {
		writeRow(t, p, h, args, 10)
	}
	writeRow(t, p, h, args, 100) // outlier 1
	writeRow(t, p, h, args, 10)  // back in range resets the counter
	writeRow(t, p, h, args, 100) // outlier 1 again
	if len(sink.texts) != 0 {
		t.Fatalf("alerts = %v", sink.texts)
	}
}

func TestDurationModeAlertsAfterPersistence(t *testing.T) {
	clock := &movableClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	h := newHost(clock)
	sink := &captureNotifier{}
	p := &Plugin{Now: clock.Now, Notifier: sink}

	args := baseArgs()
	args["mad_thresholds"] = "temp:2:10:5min"

	for i := 0; i < 10; i++ {
		writeRow(t, p, h, args, 10)
	}

	writeRow(t, p, h, args, 100) // outlier start recorded
	clock.Advance(2 * time.Minute)
	writeRow(t, p, h, args, 100) // ongoing, below threshold
	if len(sink.texts) != 0 {
		t.Fatalf("early alert: %v", sink.texts)
	}
	clock.Advance(4 * time.Minute)
	writeRow(t, p, h, args, 100) // 6 minutes elapsed
	if len(sink.texts) != 1 {
		t.Fatalf("alerts = %v", sink.texts)
	}
}

func TestNonNumericValueResetsState(t *testing.T) {
	clock := &movableClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	h := newHost(clock)
	sink := &captureNotifier{}
	p := &Plugin{Now: clock.Now, Notifier: sink}

	args := baseArgs()
	args["mad_thresholds"] = "temp:2:5:2"

	for i := 0; i < 5; i++ {
		writeRow(t, p, h, args, 10)
	}
	writeRow(t, p, h, args, 100) // outlier 1

	batches := []pluginapi.TableBatch{
		{TableName: "cpu", Rows: []pluginapi.Row{{"host": "web-01", "temp": "broken"}}},
	}
	if err := p.ProcessWrites(context.Background(), h, batches, args); err != nil {
		t.Fatalf("ProcessWrites: %v", err)
	}

	writeRow(t, p, h, args, 100) // streak restarted at 1
	if len(sink.texts) != 0 {
		t.Fatalf("alerts = %v", sink.texts)
	}
}

func TestMissingRequiredArgs(t *testing.T) {
	clock := &movableClock{t: time.Now()}
	h := newHost(clock)
	p := &Plugin{Now: clock.Now, Notifier: &captureNotifier{}}

	err := p.ProcessWrites(context.Background(), h, nil, pluginapi.Args{"measurement": "cpu"})
	if err == nil {
		t.Fatal("expected error for missing mad_thresholds and senders")
	}
}
