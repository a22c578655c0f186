package thresholds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/internal/schema"
	"github.com/peterbarnett03/influxdb3-plugins/notify"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

const (
	defaultWriteTemplate   = "[$level] InfluxDB 3 alert triggered. Condition $field $op_sym $compare_val matched $trigger_count times ($actual) in row $row."
	defaultDeadmanTemplate = "Deadman Alert: No data received from $table from $time_from to $time_to."
	defaultAggTemplate     = "[$level] Threshold Alert on table $table: $aggregation of $field $op_sym $compare_val (actual: $actual) in row $row."
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

// ProcessWrites evaluates field conditions against every incoming row. A
// condition must match trigger_count times in a row, tracked per series in
// the host cache, before an alert is sent; any non-match resets the streak.
func (p *Plugin) ProcessWrites(ctx context.Context, api pluginapi.HostAPI, batches []pluginapi.TableBatch, args pluginapi.Args) error {
	log := api.Log()

	args, _, err := args.LoadOverride()
	if err != nil {
		log.Error("failed to read args file", "err", err)
		return err
	}

	measurement := args.String("measurement", "")
	if measurement == "" || !args.Has("field_conditions") || !args.Has("senders") {
		err := fmt.Errorf("missing required arguments: measurement, field_conditions, or senders")
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

	conds, err := parseConditions(args.String("field_conditions", ""), log)
	if err != nil {
		log.Error("invalid field_conditions", "err", err)
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

	triggerCount := args.Int("trigger_count", 1)
	template := args.String("notification_text", defaultWriteTemplate)

	notifier := p.Notifier
	if notifier == nil {
		notifier = notify.NewEngineClient(args)
	}

	cache := api.Cache()
	for _, batch := range batches {
		if batch.TableName != measurement {
			continue
		}
		for _, row := range batch.Rows {
			for _, cond := range conds {
				actual, present := row[cond.Field]
				if !present {
					log.Warn("field not found in row", "field", cond.Field)
					continue
				}

				key := pluginapi.SeriesKey([]string{measurement, cond.Field, cond.Level}, tags, row)
				if !matches(cond.Op, actual, cond.Value) {
					cache.Put(key, 0)
					continue
				}

				count := cachedCount(cache, key)
				if count < triggerCount-1 {
					cache.Put(key, count+1)
					log.Warn("condition matched, streak building",
						"row", key, "field", cond.Field, "count", count+1, "trigger_count", triggerCount)
					continue
				}

				text := notify.InterpolateText(template, map[string]string{
					"level":         cond.Level,
					"row":           key,
					"field":         cond.Field,
					"op_sym":        cond.Op,
					"compare_val":   fmt.Sprintf("%v", cond.Value),
					"trigger_count": fmt.Sprintf("%d", triggerCount),
					"actual":        fmt.Sprintf("%v", actual),
				})
				log.Error("condition matched trigger_count times, sending alert",
					"row", key, "field", cond.Field, "op", cond.Op, "level", cond.Level)
				if err := notifier.Send(ctx, text, senders); err != nil {
					log.Error("notification delivery failed", "err", err)
				}
				cache.Put(key, 0)
			}
		}
	}
	return nil
}

// ProcessScheduledCall aggregates the trailing window and checks the
// configured aggregation conditions, plus the deadman check when enabled.
// Streaks are tracked per series the same way as in the write trigger.
func (p *Plugin) ProcessScheduledCall(ctx context.Context, api pluginapi.HostAPI, callTime time.Time, args pluginapi.Args) error {
	log := api.Log()

	args, _, err := args.LoadOverride()
	if err != nil {
		log.Error("failed to read args file", "err", err)
		return err
	}

	measurement := args.String("measurement", "")
	if measurement == "" || !args.Has("senders") || !args.Has("window") {
		err := fmt.Errorf("missing required arguments: measurement, senders, or window")
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

	senders, err := notify.ParseSenders(args)
	if err != nil {
		log.Error("invalid senders", "err", err)
		return err
	}
	conds, err := parseAggConditions(args.String("field_aggregation_values", ""), log)
	if err != nil {
		log.Error("invalid field_aggregation_values", "err", err)
		return err
	}
	deadman := args.Bool("deadman_check", false)
	if len(conds) == 0 && !deadman {
		err := fmt.Errorf("either field_aggregation_values or deadman_check must be set")
		log.Error("invalid configuration", "err", err)
		return err
	}

	window, err := pluginapi.ParseDuration(args.String("window", ""))
	if err != nil {
		log.Error("invalid window", "err", err)
		return err
	}
	interval, err := args.Interval("interval", "5min")
	if err != nil {
		log.Error("invalid interval", "err", err)
		return err
	}
	tags, err := schema.Tags(ctx, api, measurement)
	if err != nil {
		return err
	}

	triggerCount := args.Int("trigger_count", 1)
	deadmanTpl := args.String("notification_deadman_text", defaultDeadmanTemplate)
	aggTpl := args.String("notification_threshold_text", defaultAggTemplate)

	notifier := p.Notifier
	if notifier == nil {
		notifier = notify.NewEngineClient(args)
	}

	timeTo := callTime.UTC()
	timeFrom := timeTo.Add(-window)

	rows, err := api.Query(ctx, buildQuery(conds, measurement, tags, interval, timeFrom, timeTo), nil)
	if err != nil {
		log.Error("window query failed", "err", err)
		return err
	}

	cache := api.Cache()
	if len(rows) == 0 && deadman {
		count := cachedCount(cache, measurement)
		if count < triggerCount-1 {
			cache.Put(measurement, count+1)
			log.Warn("no data in window, streak building",
				"measurement", measurement, "count", count+1, "trigger_count", triggerCount)
		} else {
			text := notify.InterpolateText(deadmanTpl, map[string]string{
				"table":     measurement,
				"time_from": timeFrom.Format(time.RFC3339),
				"time_to":   timeTo.Format(time.RFC3339),
			})
			log.Error("no data in window trigger_count times, sending deadman alert",
				"measurement", measurement, "trigger_count", triggerCount)
			if err := notifier.Send(ctx, text, senders); err != nil {
				log.Error("notification delivery failed", "err", err)
			}
			cache.Put(measurement, 0)
		}
	} else {
		cache.Put(measurement, 0)
	}

	for _, row := range rows {
		for _, cond := range conds {
			col := cond.Field + "_" + cond.Aggregation
			actual, present := row[col]
			if !present {
				log.Warn("aggregate column not found in results", "column", col)
				continue
			}

			key := pluginapi.SeriesKey([]string{measurement, cond.Field, cond.Aggregation, cond.Level}, tags, row)
			if !matches(cond.Op, actual, cond.Value) {
				cache.Put(key, 0)
				continue
			}

			count := cachedCount(cache, key)
			if count < triggerCount-1 {
				cache.Put(key, count+1)
				log.Warn("aggregation condition matched, streak building",
					"row", key, "column", col, "count", count+1, "trigger_count", triggerCount)
				continue
			}

			text := notify.InterpolateText(aggTpl, map[string]string{
				"level":       cond.Level,
				"field":       cond.Field,
				"table":       measurement,
				"row":         key,
				"op_sym":      cond.Op,
				"aggregation": cond.Aggregation,
				"compare_val": fmt.Sprintf("%v", cond.Value),
				"actual":      fmt.Sprintf("%v", actual),
			})
			log.Error("aggregation condition matched trigger_count times, sending alert",
				"row", key, "column", col, "op", cond.Op, "level", cond.Level)
			if err := notifier.Send(ctx, text, senders); err != nil {
				log.Error("notification delivery failed", "err", err)
			}
			cache.Put(key, 0)
		}
	}
	return nil
}

// buildQuery assembles the windowed aggregation SQL: DATE_BIN buckets, one
// aggregate column per distinct field/aggregation pair, grouped by bucket and
// tags.
func buildQuery(conds []AggCondition, measurement string, tags []string, interval pluginapi.Interval, start, end time.Time) string {
	var sel strings.Builder
	fmt.Fprintf(&sel, "DATE_BIN(INTERVAL '%s', time, '1970-01-01T00:00:00Z') AS _time", interval)

	seen := map[string]bool{}
	for _, c := range conds {
		col := c.Field + "_" + c.Aggregation
		if seen[col] {
			continue
		}
		seen[col] = true
		fmt.Fprintf(&sel, ",\n\t%s(\"%s\") AS \"%s\"", c.Aggregation, c.Field, col)
	}
	for _, tag := range tags {
		fmt.Fprintf(&sel, ",\n\t\"%s\"", tag)
	}

	groupBy := "_time"
	for _, tag := range tags {
		groupBy += ", " + tag
	}

	return fmt.Sprintf(`SELECT
	%s
FROM '%s'
WHERE time >= '%s'
AND time < '%s'
GROUP BY %s`,
		sel.String(),
		measurement,
		start.UTC().Format("2006-01-02T15:04:05Z"),
		end.UTC().Format("2006-01-02T15:04:05Z"),
		groupBy,
	)
}

func cachedCount(cache pluginapi.Cache, key string) int {
	if v, ok := cache.Get(key); ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return 0
}
