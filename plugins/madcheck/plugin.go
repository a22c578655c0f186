package madcheck

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
	defaultCountTemplate = "MAD count alert: Field $field in $table outlier for $threshold_count consecutive points. Tags: $tags"
	defaultTimeTemplate  = "MAD duration alert: Field $field in $table outlier for $threshold_time. Tags: $tags"
)

// Notifier delivers alert text to the notification hub.
type Notifier interface {
	Send(ctx context.Context, text string, senders notify.SendersConfig) error
}

// Plugin implements the write trigger.
type Plugin struct {
	Now func() time.Time
	// Notifier overrides the engine-endpoint client, for tests. When nil one
	// is built from the trigger arguments.
	Notifier Notifier
}

func New() *Plugin {
	return &Plugin{Now: time.Now}
}

// ProcessWrites runs MAD outlier detection over the incoming rows. Per-series
// windows live in the host cache, so state survives across invocations.
func (p *Plugin) ProcessWrites(ctx context.Context, api pluginapi.HostAPI, batches []pluginapi.TableBatch, args pluginapi.Args) error {
	log := api.Log()

	args, _, err := args.LoadOverride()
	if err != nil {
		log.Error("failed to read args file", "err", err)
		return err
	}

	measurement := args.String("measurement", "")
	if measurement == "" || !args.Has("mad_thresholds") || !args.Has("senders") {
		err := fmt.Errorf("missing required arguments: measurement, mad_thresholds, or senders")
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

	thresholds, err := parseThresholds(args.String("mad_thresholds", ""), log)
	if err != nil {
		log.Error("invalid mad_thresholds", "err", err)
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

	maxFlips := args.Int("state_change_count", 0)
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
			tagStr := tagString(tags, row)
			for _, th := range thresholds {
				p.checkRow(ctx, api, notifier, senders, measurement, th, row, tags, tagStr, maxFlips, countTpl, timeTpl)
			}
		}
	}
	return nil
}

func (p *Plugin) checkRow(ctx context.Context, api pluginapi.HostAPI, notifier Notifier, senders notify.SendersConfig, measurement string, th Threshold, row pluginapi.Row, tags []string, tagStr string, maxFlips int, countTpl, timeTpl string) {
	log := api.Log()
	cache := api.Cache()
	base := []string{measurement, th.Field, formatK(th.K)}

	countKey := pluginapi.SeriesKey(append(base, "count-count"), tags, row)
	timeKey := pluginapi.SeriesKey(append(base, "time-time"), tags, row)

	value, ok := numeric(row[th.Field])
	if !ok {
		log.Info("field missing or non-numeric, resetting state", "field", th.Field)
		cache.Put(countKey, 0)
		cache.Put(timeKey, "")
		return
	}

	// Sliding window for median/MAD.
	dequeKey := pluginapi.SeriesKey(append(base, "deque"), tags, row)
	window, _ := cache.Get(dequeKey)
	values, _ := window.([]float64)
	values = append(values, value)
	if len(values) > th.WindowCount {
		values = values[len(values)-th.WindowCount:]
	}
	cache.Put(dequeKey, values)

	if len(values) < th.WindowCount {
		log.Info("collecting points for MAD window",
			"field", th.Field, "collected", len(values), "needed", th.WindowCount, "tags", tagStr)
		return
	}

	lower, upper := madBounds(values, th.K)
	isOutlier := value < lower || value > upper
	canSend := stable(values, maxFlips)

	if !th.DurationMode() {
		count := 0
		if v, ok := cache.Get(countKey); ok {
			count, _ = v.(int)
		}
		if !isOutlier {
			cache.Put(countKey, 0)
			return
		}
		count++
		cache.Put(countKey, count)
		if count < th.Count {
			log.Warn("MAD outlier streak building",
				"field", th.Field, "count", count, "threshold", th.Count, "tags", tagStr)
			return
		}

		log.Error("MAD count threshold reached, sending alert",
			"measurement", measurement, "field", th.Field, "k", th.K, "tags", tagStr)
		text := notify.InterpolateText(countTpl, map[string]string{
			"table":           measurement,
			"field":           th.Field,
			"threshold_count": strconv.Itoa(th.Count),
			"tags":            tagStr,
		})
		p.deliver(ctx, api, notifier, text, senders, canSend, maxFlips)
		cache.Put(countKey, 0)
		return
	}

	// Duration mode: track when the outlier streak started.
	var startedAt time.Time
	if v, ok := cache.Get(timeKey); ok {
		if iso, _ := v.(string); iso != "" {
			startedAt, _ = time.Parse(time.RFC3339Nano, iso)
		}
	}
	now := p.Now().UTC()

	if !isOutlier {
		if !startedAt.IsZero() {
			log.Info("MAD outlier cleared, resetting", "field", th.Field, "tags", tagStr)
		}
		cache.Put(timeKey, "")
		return
	}
	if startedAt.IsZero() {
		cache.Put(timeKey, now.Format(time.RFC3339Nano))
		log.Warn("MAD outlier start", "field", th.Field, "k", th.K, "tags", tagStr)
		return
	}
	if elapsed := now.Sub(startedAt); elapsed < th.Duration {
		log.Info("MAD outlier ongoing",
			"field", th.Field, "elapsed", elapsed.String(), "threshold", th.Duration.String(), "tags", tagStr)
		return
	}

	log.Error("MAD duration threshold reached, sending alert",
		"measurement", measurement, "field", th.Field, "k", th.K, "tags", tagStr)
	text := notify.InterpolateText(timeTpl, map[string]string{
		"table":          measurement,
		"field":          th.Field,
		"threshold_time": th.Duration.String(),
		"tags":           tagStr,
	})
	p.deliver(ctx, api, notifier, text, senders, canSend, maxFlips)
	cache.Put(timeKey, "")
}

func (p *Plugin) deliver(ctx context.Context, api pluginapi.HostAPI, notifier Notifier, text string, senders notify.SendersConfig, canSend bool, maxFlips int) {
	if !canSend {
		api.Log().Warn("alert suppressed due to unstable window", "max_flips", maxFlips)
		return
	}
	if err := notifier.Send(ctx, text, senders); err != nil {
		api.Log().Error("notification delivery failed", "err", err)
	}
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

func formatK(k float64) string {
	return strconv.FormatFloat(k, 'g', -1, 64)
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
	}
	return 0, false
}
