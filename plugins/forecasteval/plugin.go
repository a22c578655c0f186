package forecasteval

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/internal/schema"
	"github.com/peterbarnett03/influxdb3-plugins/notify"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

const defaultTemplate = "[$level] Forecast error alert in $measurement.$field: $metric=$error. Tags: $tags"

// Notifier delivers alert text to the notification hub.
type Notifier interface {
	Send(ctx context.Context, text string, senders notify.SendersConfig) error
}

// Plugin implements the scheduled trigger.
type Plugin struct {
	Now func() time.Time
	// Notifier overrides the engine-endpoint client, for tests. When nil one
	// is built from the trigger arguments.
	Notifier Notifier
}

func New() *Plugin {
	return &Plugin{Now: time.Now}
}

type alignedPoint struct {
	t      time.Time
	err    float64
	row    pluginapi.Row
	tagStr string
}

// ProcessScheduledCall evaluates forecast error over the trailing window.
// Outlier onsets are cached per series and level so an error spike must
// persist for min_condition_duration before an alert goes out.
func (p *Plugin) ProcessScheduledCall(ctx context.Context, api pluginapi.HostAPI, callTime time.Time, args pluginapi.Args) error {
	log := api.Log()

	args, _, err := args.LoadOverride()
	if err != nil {
		log.Error("failed to read args file", "err", err)
		return err
	}

	required := []string{
		"forecast_measurement", "actual_measurement",
		"forecast_field", "actual_field",
		"error_metric", "error_thresholds", "window", "senders",
	}
	for _, key := range required {
		if !args.Has(key) {
			err := fmt.Errorf("missing required arguments: %s", strings.Join(required, ", "))
			log.Error("invalid configuration", "err", err)
			return err
		}
	}

	forecastMeasurement := args.String("forecast_measurement", "")
	actualMeasurement := args.String("actual_measurement", "")
	forecastField := args.String("forecast_field", "")
	actualField := args.String("actual_field", "")

	metric := strings.ToLower(args.String("error_metric", ""))
	if !validMetrics[metric] {
		err := fmt.Errorf("unsupported error_metric %q, use mse, mae, or rmse", metric)
		log.Error("invalid configuration", "err", err)
		return err
	}

	thresholds, err := parseErrorThresholds(args.String("error_thresholds", ""), log)
	if err != nil {
		log.Error("invalid error_thresholds", "err", err)
		return err
	}
	window, err := pluginapi.ParseDuration(args.String("window", ""))
	if err != nil {
		log.Error("invalid window", "err", err)
		return err
	}
	senders, err := notify.ParseSenders(args)
	if err != nil {
		log.Error("invalid senders", "err", err)
		return err
	}
	tags, err := schema.Tags(ctx, api, actualMeasurement)
	if err != nil {
		return err
	}

	var minDuration time.Duration
	if args.Has("min_condition_duration") {
		minDuration, err = pluginapi.ParseDuration(args.String("min_condition_duration", ""))
		if err != nil {
			log.Error("invalid min_condition_duration", "err", err)
			return err
		}
	}
	var rounding time.Duration
	if args.Has("rounding_freq") {
		rounding, err = pluginapi.ParseDuration(args.String("rounding_freq", ""))
		if err != nil {
			log.Error("invalid rounding_freq", "err", err)
			return err
		}
	}
	template := args.String("notification_text", defaultTemplate)

	notifier := p.Notifier
	if notifier == nil {
		notifier = notify.NewEngineClient(args)
	}

	end := callTime.UTC()
	start := end.Add(-window)

	forecastRows, err := api.Query(ctx, selectQuery(forecastMeasurement, forecastField, tags, start, end), nil)
	if err != nil {
		log.Error("forecast query failed", "err", err)
		return err
	}
	if len(forecastRows) == 0 {
		log.Info("no forecast data in window", "measurement", forecastMeasurement, "from", start, "to", end)
		return nil
	}
	actualRows, err := api.Query(ctx, selectQuery(actualMeasurement, actualField, tags, start, end), nil)
	if err != nil {
		log.Error("actual query failed", "err", err)
		return err
	}
	if len(actualRows) == 0 {
		log.Info("no actual data in window", "measurement", actualMeasurement, "from", start, "to", end)
		return nil
	}

	// Index forecast values by rounded timestamp and tag values, then walk
	// the actual series in time order.
	forecast := map[string]float64{}
	for _, row := range forecastRows {
		t, ok := rowTime(row, rounding)
		if !ok {
			continue
		}
		value, ok := numeric(row[forecastField])
		if !ok {
			continue
		}
		forecast[joinKey(t, tags, row)] = value
	}

	var aligned []alignedPoint
	for _, row := range actualRows {
		t, ok := rowTime(row, rounding)
		if !ok {
			continue
		}
		actual, ok := numeric(row[actualField])
		if !ok {
			continue
		}
		predicted, ok := forecast[joinKey(t, tags, row)]
		if !ok {
			continue
		}
		aligned = append(aligned, alignedPoint{
			t:      t,
			err:    errorValue(metric, predicted, actual),
			row:    row,
			tagStr: tagString(tags, row),
		})
	}
	if len(aligned) == 0 {
		err := fmt.Errorf("no overlapping timestamps between %q and %q", forecastMeasurement, actualMeasurement)
		log.Error("series alignment failed", "err", err)
		return err
	}
	sort.Slice(aligned, func(i, j int) bool { return aligned[i].t.Before(aligned[j].t) })

	cache := api.Cache()
	now := p.Now().UTC()
	for _, th := range thresholds {
		for _, point := range aligned {
			key := pluginapi.SeriesKey([]string{actualMeasurement, actualField, th.Level}, tags, point.row)

			if point.err < th.Value {
				cache.Put(key, "")
				continue
			}

			var startedAt time.Time
			if v, ok := cache.Get(key); ok {
				if iso, _ := v.(string); iso != "" {
					startedAt, _ = time.Parse(time.RFC3339Nano, iso)
				}
			}
			if startedAt.IsZero() {
				cache.Put(key, now.Format(time.RFC3339Nano))
				if minDuration > 0 {
					log.Info("error threshold exceeded, waiting for persistence",
						"row", key, "min_duration", minDuration.String())
				}
				continue
			}
			if elapsed := now.Sub(startedAt); elapsed < minDuration {
				log.Info("error above threshold, deferring alert",
					"row", key, "elapsed", elapsed.String(), "min_duration", minDuration.String())
				continue
			}

			log.Error("error threshold exceeded, sending alert",
				"measurement", actualMeasurement, "field", actualField,
				"metric", metric, "error", point.err, "level", th.Level, "row", key)
			text := notify.InterpolateText(template, map[string]string{
				"level":       th.Level,
				"measurement": actualMeasurement,
				"field":       actualField,
				"error":       strconv.FormatFloat(point.err, 'g', -1, 64),
				"metric":      metric,
				"tags":        point.tagStr,
			})
			if err := notifier.Send(ctx, text, senders); err != nil {
				log.Error("notification delivery failed", "err", err)
			}
			cache.Put(key, "")
		}
	}
	return nil
}

func selectQuery(measurement, field string, tags []string, start, end time.Time) string {
	sel := "time, " + field
	if len(tags) > 0 {
		sel += ", " + strings.Join(tags, ", ")
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE time >= '%s' AND time < '%s'",
		sel, measurement,
		start.Format(time.RFC3339),
		end.Format(time.RFC3339),
	)
}

// rowTime extracts and optionally rounds the row timestamp.
func rowTime(row pluginapi.Row, rounding time.Duration) (time.Time, bool) {
	var t time.Time
	switch v := row["time"].(type) {
	case time.Time:
		t = v
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		t = parsed
	case int64:
		t = time.Unix(0, v).UTC()
	case int:
		t = time.Unix(0, int64(v)).UTC()
	case float64:
		t = time.Unix(0, int64(v)).UTC()
	default:
		return time.Time{}, false
	}
	if rounding > 0 {
		t = t.Round(rounding)
	}
	return t.UTC(), true
}

func joinKey(t time.Time, tags []string, row pluginapi.Row) string {
	key := t.Format(time.RFC3339Nano)
	for _, tag := range tags {
		v := "None"
		if val, ok := row[tag]; ok && val != nil {
			v = fmt.Sprintf("%v", val)
		}
		key += "|" + tag + "=" + v
	}
	return key
}

func tagString(tags []string, row pluginapi.Row) string {
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		v := "None"
		if val, ok := row[t]; ok && val != nil {
			v = fmt.Sprintf("%v", val)
		}
		parts = append(parts, t+"="+v)
	}
	return strings.Join(parts, ", ")
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
