package downsampler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/internal/retrywrite"
	"github.com/peterbarnett03/influxdb3-plugins/internal/schema"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

const (
	defaultInterval   = "10min"
	defaultBatchSize  = "30d"
	defaultMaxRetries = 5
)

// Plugin implements the scheduled and HTTP downsampling triggers.
type Plugin struct {
	Now func() time.Time
}

// New returns a downsampler running on the real clock.
func New() *Plugin {
	return &Plugin{Now: time.Now}
}

// ProcessScheduledCall downsamples one window of the source measurement:
// [callTime - offset - window, callTime - offset).
func (p *Plugin) ProcessScheduledCall(ctx context.Context, api pluginapi.HostAPI, callTime time.Time, args pluginapi.Args) error {
	log := api.Log()
	started := p.Now()

	args, overridden, err := args.LoadOverride()
	if err != nil {
		log.Error("failed to read args file", "err", err)
		return err
	}
	if overridden {
		log.Info("args replaced from file")
	}

	source, target, err := parseMeasurements(ctx, api, args)
	if err != nil {
		log.Error("invalid configuration", "err", err)
		return err
	}

	window, err := args.Duration("window", 0)
	if err != nil || window == 0 {
		if err == nil {
			err = fmt.Errorf("missing window parameter")
		}
		log.Error("invalid window", "err", err)
		return err
	}
	offset, err := args.Duration("offset", 0)
	if err != nil {
		log.Error("invalid offset", "err", err)
		return err
	}
	interval, err := args.Interval("interval", defaultInterval)
	if err != nil {
		log.Error("invalid interval", "err", err)
		return err
	}

	tags, err := schema.Tags(ctx, api, source)
	if err != nil {
		return err
	}
	tagValues, err := parseTagValues(args.String("tag_values", ""), tags, log)
	if err != nil {
		log.Error("invalid tag_values", "err", err)
		return err
	}

	aggregatable, err := schema.NumericFields(ctx, api, source)
	if err != nil {
		log.Error("field discovery failed", "err", err)
		return err
	}
	fields, err := parseCalculations(
		args.String("calculations", "avg"),
		aggregatable,
		args.StringList("specific_fields"),
		args.StringList("excluded_fields"),
		log,
	)
	if err != nil {
		log.Error("invalid calculations", "err", err)
		return err
	}

	end := callTime.UTC().Add(-offset)
	start := end.Add(-window)

	query := buildQuery(fields, source, tags, interval, tagValues, start, end)
	rows, err := api.Query(ctx, query, nil)
	if err != nil {
		log.Error("downsample query failed", "err", err)
		return err
	}
	log.Info("source data retrieved",
		"source_records", len(rows),
		"time_range", fmt.Sprintf("%s to %s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
		"measurement", source,
	)
	if len(rows) == 0 {
		log.Info("no source data to downsample in the specified time range")
		return nil
	}

	lines := transform(rows, target, fields, tags)
	if len(lines) == 0 {
		log.Warn("no data to write after transformation")
		return nil
	}

	retries, err := retrywrite.Write(ctx, api, args.String("target_database", ""), lines, args.Int("max_retries", defaultMaxRetries), log)
	if err != nil {
		log.Error("downsampling job failed", "err", err, "retries", retries)
		return err
	}

	log.Info("downsampling job finished",
		"execution_time_seconds", p.Now().Sub(started).Seconds(),
		"source_records", len(rows),
		"written_records", len(lines),
		"source_measurement", source,
		"target_measurement", target,
		"retries", retries,
	)
	return nil
}

// ProcessRequest backfills a historical range in batch_size slices. The JSON
// body carries the same parameters as the scheduled mode plus
// backfill_start/backfill_end (RFC 3339 with timezone) and batch_size.
func (p *Plugin) ProcessRequest(ctx context.Context, api pluginapi.HostAPI, req *pluginapi.Request, _ pluginapi.Args) (*pluginapi.Response, error) {
	log := api.Log()
	started := p.Now()

	if len(req.Body) == 0 {
		log.Error("no request body provided")
		return errorResponse(http.StatusBadRequest, "no request body provided"), nil
	}
	var body pluginapi.Args
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return errorResponse(http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err)), nil
	}

	source, target, err := parseMeasurements(ctx, api, body)
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	interval, err := body.Interval("interval", defaultInterval)
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	batchSize, err := body.Interval("batch_size", defaultBatchSize)
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}

	tags, err := schema.Tags(ctx, api, source)
	if err != nil {
		return nil, err
	}
	tagValues, err := httpTagValues(body, tags, log)
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}

	aggregatable, err := schema.NumericFields(ctx, api, source)
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	fields, err := httpCalculations(body, aggregatable, log)
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}

	startAt, endAt, err := p.backfillWindow(ctx, api, body, source, log)
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}

	maxRetries := body.Int("max_retries", defaultMaxRetries)
	targetDB := body.String("target_database", "")

	var (
		cursor        = startAt
		batchCount    int
		totalSource   int
		totalWritten  int
		totalRetries  int
		batchDuration = batchSize.Duration()
	)
	for cursor.Before(endAt) {
		batchCount++
		batchEnd := cursor.Add(batchDuration)
		if batchEnd.After(endAt) {
			batchEnd = endAt
		}

		query := buildQuery(fields, source, tags, interval, tagValues, cursor, batchEnd)
		rows, err := api.Query(ctx, query, nil)
		if err != nil {
			return nil, fmt.Errorf("batch %d query: %w", batchCount, err)
		}
		totalSource += len(rows)
		log.Info("batch source data retrieved",
			"batch", batchCount,
			"source_records", len(rows),
			"time_range", fmt.Sprintf("%s to %s", cursor.Format(time.RFC3339), batchEnd.Format(time.RFC3339)),
		)
		if len(rows) == 0 {
			cursor = batchEnd
			continue
		}

		lines := transform(rows, target, fields, tags)
		if len(lines) == 0 {
			log.Warn("no data to write in batch after transformation", "batch", batchCount)
			cursor = batchEnd
			continue
		}

		retries, err := retrywrite.Write(ctx, api, targetDB, lines, maxRetries, log)
		totalRetries += retries
		if err != nil {
			log.Warn("batch write failed", "batch", batchCount, "err", err, "retries", retries)
		} else {
			totalWritten += len(lines)
			log.Info("batch completed", "batch", batchCount, "written_records", len(lines), "retries", retries)
		}
		cursor = batchEnd
	}

	log.Info("downsampling process completed",
		"total_batches", batchCount,
		"execution_time_seconds", p.Now().Sub(started).Seconds(),
		"total_source_records", totalSource,
		"total_written_records", totalWritten,
		"source_measurement", source,
		"target_measurement", target,
		"total_retries", totalRetries,
	)
	return &pluginapi.Response{
		StatusCode: http.StatusOK,
		Body: map[string]any{
			"message":               fmt.Sprintf("downsampling completed from %q to %q", source, target),
			"total_batches":         batchCount,
			"total_source_records":  totalSource,
			"total_written_records": totalWritten,
		},
	}, nil
}

// backfillWindow resolves the start and end of the backfill range. The start
// defaults to the oldest point in the source measurement, the end to now;
// explicit values must carry timezone offsets.
func (p *Plugin) backfillWindow(ctx context.Context, api pluginapi.HostAPI, body pluginapi.Args, source string, log *slog.Logger) (time.Time, time.Time, error) {
	end := p.Now().UTC()
	if raw := body.String("backfill_end", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid RFC 3339 datetime for backfill_end: %q", raw)
		}
		end = t.UTC()
	}

	if raw := body.String("backfill_start", ""); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid RFC 3339 datetime for backfill_start: %q", raw)
		}
		if !start.Before(end) {
			return time.Time{}, time.Time{}, fmt.Errorf("backfill_start must be earlier than backfill_end")
		}
		log.Info("window mode backfill", "from", start.UTC().Format(time.RFC3339), "to", end.Format(time.RFC3339))
		return start.UTC(), end, nil
	}

	rows, err := api.Query(ctx, fmt.Sprintf("SELECT MIN(time) as _t FROM %s", source), nil)
	if err != nil || len(rows) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("query oldest point of %q: %w", source, err)
	}
	oldest, ok := timestampNs(rows[0]["_t"])
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("measurement %q has no data to backfill", source)
	}
	start := time.Unix(0, oldest).UTC()
	log.Info("full mode backfill", "from", start.Format(time.RFC3339), "to", end.Format(time.RFC3339))
	return start, end, nil
}

// transform converts aggregated query rows into line protocol builders. The
// bucket timestamp comes from _time; tags are carried over; the aggregate
// columns plus record_count/time_from/time_to become fields. Rows yielding no
// fields are dropped.
func transform(rows []pluginapi.Row, target string, fields []FieldAggregation, tags []string) []*pluginapi.LineBuilder {
	fieldNames := make([]string, 0, len(fields)+3)
	for _, f := range fields {
		fieldNames = append(fieldNames, f.Field+"_"+f.Aggregation)
	}
	fieldNames = append(fieldNames, "record_count", "time_from", "time_to")

	var out []*pluginapi.LineBuilder
	for _, row := range rows {
		lb := pluginapi.NewLine(target)
		if ns, ok := timestampNs(row["_time"]); ok {
			lb.TimeNs(ns)
		}
		for _, tag := range tags {
			if v, ok := row[tag]; ok && v != nil {
				lb.Tag(tag, fmt.Sprintf("%v", v))
			}
		}
		for _, name := range fieldNames {
			v, ok := row[name]
			if !ok || v == nil {
				continue
			}
			lb.Field(name, v)
		}
		if lb.HasFields() {
			out = append(out, lb)
		}
	}
	return out
}

// timestampNs coerces the host's timestamp column representations to
// nanoseconds.
func timestampNs(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case time.Time:
		return t.UnixNano(), true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UnixNano(), true
		}
	}
	return 0, false
}

func errorResponse(code int, msg string) *pluginapi.Response {
	return &pluginapi.Response{StatusCode: code, Body: map[string]any{"message": msg}}
}
