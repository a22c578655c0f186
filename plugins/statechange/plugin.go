package statechange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/internal/schema"
	"github.com/peterbarnett03/influxdb3-plugins/notify"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

const (
	defaultCountTemplate  = "State change detected: Field $field in table $table changed to $value during last $duration times. Row: $row"
	defaultTimeTemplate   = "State change detected: Field $field in table $table changed to $value during $duration. Row: $row"
	defaultWindowTemplate = "Field $field in table $table changed $changes times in window $window for tags $tags"
)

// Notifier delivers alert text to the notification hub.
type Notifier interface {
	Send(ctx context.Context, text string, senders notify.SendersConfig) error
}

// Plugin implements the write and scheduled triggers.
type Plugin struct {
	Now func() time.Time
	// Notifier overrides the engine-endpoint client, for tests. When nil one
	// is built from the trigger arguments.
	Notifier Notifier
}

func New() *Plugin {
	return &Plugin{Now: time.Now}
}

// ProcessWrites checks incoming rows against the configured field thresholds.
// Streaks, duration onsets, and recent value history are kept per series in
// the host cache.
func (p *Plugin) ProcessWrites(ctx context.Context, api pluginapi.HostAPI, batches []pluginapi.TableBatch, args pluginapi.Args) error {
	log := api.Log()

	args, _, err := args.LoadOverride()
	if err != nil {
		log.Error("failed to read args file", "err", err)
		return err
	}

	measurement := args.String("measurement", "")
	if measurement == "" || !args.Has("field_thresholds") || !args.Has("senders") {
		err := fmt.Errorf("missing required arguments: measurement, field_thresholds, or senders")
		log.Error("invalid configuration", "err", err)
		return err
	}
	exists, err := schema.TableExists(ctx, api, measurement)
	if err != nil {
		return err
	}
	if !exists {
		err := fmt.Errorf("measurement %q not found", measurement)
		log.Error("invalid configuration", "err", err)
		return err
	}

	thresholds, err := parseFieldThresholds(args.String("field_thresholds", ""), log)
	if err != nil {
		log.Error("invalid field_thresholds", "err", err)
		return err
	}
	senders, err := notify.ParseSenders(args)
	if err != nil {
		log.Error("invalid senders", "err", err)
		return err
	}
	tags, err := schema.Tags(ctx, api, measurement)
	if err != nil {
		return err
	}

	window := args.Int("state_change_window", 1)
	maxFlips := args.Int("state_change_count", 1)
	countTpl := args.String("notification_count_text", defaultCountTemplate)
	timeTpl := args.String("notification_time_text", defaultTimeTemplate)

	notifier := p.Notifier
	if notifier == nil {
		notifier = notify.NewEngineClient(args)
	}

	for _, batch := range batches {
		if batch.TableName != measurement {
			continue
		}
		for _, row := range batch.Rows {
			for _, th := range thresholds {
				p.checkRow(ctx, api, notifier, senders, measurement, th, row, tags, window, maxFlips, countTpl, timeTpl)
			}
		}
	}
	return nil
}

func (p *Plugin) checkRow(ctx context.Context, api pluginapi.HostAPI, notifier Notifier, senders notify.SendersConfig, measurement string, th FieldThreshold, row pluginapi.Row, tags []string, window, maxFlips int, countTpl, timeTpl string) {
	log := api.Log()
	cache := api.Cache()
	base := []string{measurement, th.Field, formatValue(th.Value)}

	suffix := "count"
	if th.DurationMode() {
		suffix = "time"
	}
	stateKey := pluginapi.SeriesKey(append(base, suffix), tags, row)

	current, present := row[th.Field]
	if !present || current == nil {
		log.Info("field not present in row, resetting state", "field", th.Field, "row", stateKey)
		cache.Put(stateKey, "")
		return
	}

	conditionMet := equalValues(current, th.Value)

	// Recent value history for flip suppression, evaluated before the current
	// value is appended.
	valuesKey := pluginapi.SeriesKey(append(base, "values"), tags, row)
	cached, _ := cache.Get(valuesKey)
	history, _ := cached.([]any)
	canSend := stable(history, maxFlips)
	history = append(history, current)
	if len(history) > window {
		history = history[len(history)-window:]
	}
	defer cache.Put(valuesKey, history)

	if !th.DurationMode() {
		count := 0
		if v, ok := cache.Get(stateKey); ok {
			switch n := v.(type) {
			case int:
				count = n
			case string:
				count, _ = strconv.Atoi(n)
			}
		}
		if !conditionMet {
			cache.Put(stateKey, 0)
			return
		}
		count++
		if count < th.Count {
			cache.Put(stateKey, count)
			log.Warn("state held, streak building",
				"field", th.Field, "value", th.Value, "count", count, "threshold", th.Count, "row", stateKey)
			return
		}

		log.Error("state held for threshold count, sending alert",
			"field", th.Field, "value", th.Value, "threshold", th.Count, "row", stateKey)
		text := notify.InterpolateText(countTpl, map[string]string{
			"table":    measurement,
			"field":    th.Field,
			"value":    formatValue(th.Value),
			"duration": strconv.Itoa(th.Count),
			"row":      stateKey,
		})
		p.deliver(ctx, api, notifier, text, senders, canSend)
		cache.Put(stateKey, 0)
		return
	}

	// Duration mode: the alert fires on the first write at which the state
	// has been held for the required duration.
	var startedAt time.Time
	if v, ok := cache.Get(stateKey); ok {
		if iso, _ := v.(string); iso != "" {
			startedAt, _ = time.Parse(time.RFC3339Nano, iso)
		}
	}
	now := p.Now().UTC()

	if !conditionMet {
		if !startedAt.IsZero() {
			log.Info("state cleared, resetting duration onset", "field", th.Field, "row", stateKey)
		}
		cache.Put(stateKey, "")
		return
	}
	if startedAt.IsZero() {
		cache.Put(stateKey, now.Format(time.RFC3339Nano))
		log.Info("state onset recorded", "field", th.Field, "value", th.Value, "row", stateKey)
		return
	}
	if elapsed := now.Sub(startedAt); elapsed < th.Duration {
		log.Warn("state held, duration building",
			"field", th.Field, "elapsed", elapsed.String(), "threshold", th.Duration.String(), "row", stateKey)
		return
	}

	log.Error("state held for threshold duration, sending alert",
		"field", th.Field, "value", th.Value, "threshold", th.Duration.String(), "row", stateKey)
	text := notify.InterpolateText(timeTpl, map[string]string{
		"table":    measurement,
		"field":    th.Field,
		"value":    formatValue(th.Value),
		"duration": th.Duration.String(),
		"row":      stateKey,
	})
	p.deliver(ctx, api, notifier, text, senders, canSend)
	cache.Put(stateKey, "")
}

func (p *Plugin) deliver(ctx context.Context, api pluginapi.HostAPI, notifier Notifier, text string, senders notify.SendersConfig, canSend bool) {
	if !canSend {
		api.Log().Warn("alert suppressed due to unstable data state")
		return
	}
	if err := notifier.Send(ctx, text, senders); err != nil {
		api.Log().Error("notification delivery failed", "err", err)
	}
}

// ProcessScheduledCall re-queries the trailing window and counts value
// changes per series and field, alerting when a field changed at least its
// configured number of times.
func (p *Plugin) ProcessScheduledCall(ctx context.Context, api pluginapi.HostAPI, callTime time.Time, args pluginapi.Args) error {
	log := api.Log()

	args, _, err := args.LoadOverride()
	if err != nil {
		log.Error("failed to read args file", "err", err)
		return err
	}

	measurement := args.String("measurement", "")
	if measurement == "" || !args.Has("field_change_count") || !args.Has("senders") || !args.Has("window") {
		err := fmt.Errorf("missing required arguments: measurement, field_change_count, senders, or window")
		log.Error("invalid configuration", "err", err)
		return err
	}
	exists, err := schema.TableExists(ctx, api, measurement)
	if err != nil {
		return err
	}
	if !exists {
		err := fmt.Errorf("measurement %q not found", measurement)
		log.Error("invalid configuration", "err", err)
		return err
	}

	counts, err := parseChangeCounts(args.String("field_change_count", ""), log)
	if err != nil {
		log.Error("invalid field_change_count", "err", err)
		return err
	}
	senders, err := notify.ParseSenders(args)
	if err != nil {
		log.Error("invalid senders", "err", err)
		return err
	}
	tags, err := schema.Tags(ctx, api, measurement)
	if err != nil {
		return err
	}
	window, err := pluginapi.ParseDuration(args.String("window", ""))
	if err != nil {
		log.Error("invalid window", "err", err)
		return err
	}
	template := args.String("notification_text", defaultWindowTemplate)

	notifier := p.Notifier
	if notifier == nil {
		notifier = notify.NewEngineClient(args)
	}

	end := callTime.UTC()
	start := end.Add(-window)
	query := fmt.Sprintf(`SELECT *
FROM '%s'
WHERE time >= '%s'
AND time < '%s'
ORDER BY time ASC`,
		measurement,
		start.Format("2006-01-02T15:04:05Z"),
		end.Format("2006-01-02T15:04:05Z"),
	)

	rows, err := api.Query(ctx, query, nil)
	if err != nil {
		log.Error("window query failed", "err", err)
		return err
	}
	if len(rows) == 0 {
		log.Info("no data in window", "measurement", measurement, "from", start, "to", end)
		return nil
	}

	// Group rows by tag combination, preserving time order within a series.
	type series struct {
		tagStr string
		rows   []pluginapi.Row
	}
	var order []string
	grouped := map[string]*series{}
	for _, row := range rows {
		parts := make([]string, 0, len(tags))
		for _, tag := range tags {
			v := "None"
			if val, ok := row[tag]; ok && val != nil {
				v = fmt.Sprintf("%v", val)
			}
			parts = append(parts, tag+"="+v)
		}
		key := strings.Join(parts, ", ")
		s, ok := grouped[key]
		if !ok {
			s = &series{tagStr: key}
			grouped[key] = s
			order = append(order, key)
		}
		s.rows = append(s.rows, row)
	}

	for _, key := range order {
		s := grouped[key]
		for field, threshold := range counts {
			changes := 0
			var prev any
			for _, row := range s.rows {
				current, ok := row[field]
				if !ok || current == nil {
					continue
				}
				if prev != nil && !equalValues(current, prev) {
					changes++
				}
				prev = current
			}
			if changes < threshold {
				continue
			}

			log.Error("field changed too often in window, sending alert",
				"field", field, "changes", changes, "threshold", threshold, "tags", s.tagStr)
			text := notify.InterpolateText(template, map[string]string{
				"table":   measurement,
				"field":   field,
				"changes": strconv.Itoa(changes),
				"window":  window.String(),
				"tags":    s.tagStr,
			})
			if err := notifier.Send(ctx, text, senders); err != nil {
				log.Error("notification delivery failed", "err", err)
			}
		}
	}
	return nil
}
