package transformer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/internal/retrywrite"
	"github.com/peterbarnett03/influxdb3-plugins/internal/schema"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

const writeRetries = 3

// config is the parsed plugin configuration shared by both trigger modes.
type config struct {
	Measurement  string
	Target       string
	TargetDB     string
	Included     []string
	Excluded     []string
	DryRun       bool
	NamesRules   map[string][]string
	ValuesRules  map[string][]string
	Replacements map[string][2]string
	Patterns     map[string]*regexp.Regexp
	Filters      []RowFilter
}

func parseConfig(args pluginapi.Args, log *slog.Logger) (*config, error) {
	cfg := &config{
		Measurement: args.String("measurement", ""),
		Target:      args.String("target_measurement", ""),
		TargetDB:    args.String("target_database", ""),
		Included:    args.StringList("included_fields"),
		Excluded:    args.StringList("excluded_fields"),
		DryRun:      args.Bool("dry_run", false),
	}
	if cfg.Measurement == "" || cfg.Target == "" {
		return nil, fmt.Errorf("missing required arguments: measurement, target_measurement")
	}
	if len(cfg.Included) > 0 && len(cfg.Excluded) > 0 {
		return nil, fmt.Errorf("included_fields and excluded_fields are mutually exclusive")
	}

	var err error
	if cfg.NamesRules, err = parseRules(args.String("names_transformations", ""), log); err != nil {
		return nil, err
	}
	if cfg.ValuesRules, err = parseRules(args.String("values_transformations", ""), log); err != nil {
		return nil, err
	}
	if len(cfg.NamesRules) == 0 && len(cfg.ValuesRules) == 0 {
		return nil, fmt.Errorf("no transformation rules provided")
	}
	if cfg.Replacements, err = parseReplacements(args.String("custom_replacements", ""), log); err != nil {
		return nil, err
	}
	if cfg.Patterns, err = parsePatterns(args.String("custom_regex", ""), log); err != nil {
		return nil, err
	}
	if cfg.Filters, err = parseFilters(args.String("filters", ""), log); err != nil {
		return nil, err
	}
	return cfg, nil
}

// selectFields applies the include/exclude lists to the discovered fields.
func (c *config) selectFields(all []string) []string {
	if len(c.Included) > 0 {
		var out []string
		for _, f := range all {
			if contains(c.Included, f) {
				out = append(out, f)
			}
		}
		return out
	}
	if len(c.Excluded) > 0 {
		var out []string
		for _, f := range all {
			if !contains(c.Excluded, f) {
				out = append(out, f)
			}
		}
		return out
	}
	return all
}

// Plugin implements the scheduled and write transformation triggers.
type Plugin struct {
	Now func() time.Time
}

func New() *Plugin {
	return &Plugin{Now: time.Now}
}

// ProcessScheduledCall queries a window of source rows ending at callTime and
// runs them through the transformation pipeline.
func (p *Plugin) ProcessScheduledCall(ctx context.Context, api pluginapi.HostAPI, callTime time.Time, args pluginapi.Args) error {
	log := api.Log()

	args, _, err := args.LoadOverride()
	if err != nil {
		log.Error("failed to read args file", "err", err)
		return err
	}
	cfg, err := parseConfig(args, log)
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

	allFields, err := schema.Fields(ctx, api, cfg.Measurement)
	if err != nil {
		log.Error("field discovery failed", "err", err)
		return err
	}
	fields := cfg.selectFields(allFields)
	tags, err := schema.Tags(ctx, api, cfg.Measurement)
	if err != nil {
		return err
	}

	end := callTime.UTC()
	start := end.Add(-window)
	rows, err := api.Query(ctx, buildSelect(cfg, fields, tags, start, end), nil)
	if err != nil {
		log.Error("source query failed", "err", err)
		return err
	}
	if len(rows) == 0 {
		log.Error("no data found in window",
			"from", start.Format(time.RFC3339), "to", end.Format(time.RFC3339))
		return nil
	}

	return p.run(ctx, api, cfg, rows, fields, tags)
}

// ProcessWrites transforms the incoming batches for the configured source
// measurement. Filters apply in memory since the rows are already here.
func (p *Plugin) ProcessWrites(ctx context.Context, api pluginapi.HostAPI, batches []pluginapi.TableBatch, args pluginapi.Args) error {
	log := api.Log()

	args, _, err := args.LoadOverride()
	if err != nil {
		log.Error("failed to read args file", "err", err)
		return err
	}
	cfg, err := parseConfig(args, log)
	if err != nil {
		log.Error("invalid configuration", "err", err)
		return err
	}

	allFields, err := schema.Fields(ctx, api, cfg.Measurement)
	if err != nil {
		log.Error("field discovery failed", "err", err)
		return err
	}
	fields := cfg.selectFields(allFields)
	tags, err := schema.Tags(ctx, api, cfg.Measurement)
	if err != nil {
		return err
	}

	for _, batch := range batches {
		if batch.TableName != cfg.Measurement {
			continue
		}
		rows := filterRows(cfg.Filters, batch.Rows, fields, tags)
		if len(rows) == 0 {
			log.Warn("no data to process after filtering")
			continue
		}
		if err := p.run(ctx, api, cfg, rows, fields, tags); err != nil {
			return err
		}
	}
	return nil
}

// run applies value transforms, renames tags and fields, and writes (or
// dry-run logs) the result.
func (p *Plugin) run(ctx context.Context, api pluginapi.HostAPI, cfg *config, rows []pluginapi.Row, fields, tags []string) error {
	log := api.Log()

	for _, row := range rows {
		transformValues(row, cfg, log)
	}
	tagsMapping := nameMapping(tags, cfg, log)
	fieldsMapping := nameMapping(fields, cfg, log)

	renamed := make([]pluginapi.Row, 0, len(rows))
	for _, row := range rows {
		out := pluginapi.Row{}
		for k, v := range row {
			if newName, ok := tagsMapping[k]; ok {
				out[newName] = v
			} else if newName, ok := fieldsMapping[k]; ok {
				out[newName] = v
			} else {
				out[k] = v
			}
		}
		renamed = append(renamed, out)
	}
	log.Info("data transformation completed", "records", len(renamed))

	if cfg.DryRun {
		log.Info("dry run is set, skipping write", "transformed_records", len(renamed))
		return nil
	}

	lines := toLines(renamed, cfg.Target, values(fieldsMapping), values(tagsMapping))
	if len(lines) == 0 {
		log.Warn("no data to write after transformation")
		return nil
	}
	retries, err := retrywrite.Write(ctx, api, cfg.TargetDB, lines, writeRetries, log)
	if err != nil {
		log.Error("failed to write transformed data", "target", cfg.Target, "err", err, "retries", retries)
		return err
	}
	log.Info("data written", "target", cfg.Target, "records", len(lines), "retries", retries)
	return nil
}

// transformValues applies the value rules to one row: direct field matches
// first, then regex-selected fields that no direct rule already covered.
func transformValues(row pluginapi.Row, cfg *config, log *slog.Logger) {
	applied := map[string]bool{}
	for field, transforms := range cfg.ValuesRules {
		if _, ok := row[field]; !ok {
			continue
		}
		applied[field] = true
		v := row[field]
		for _, t := range transforms {
			v = applyValueTransform(v, t, cfg.Replacements, log)
		}
		row[field] = v
	}
	for ruleName, transforms := range cfg.ValuesRules {
		pattern, ok := cfg.Patterns[ruleName]
		if !ok {
			continue
		}
		for field := range row {
			if applied[field] || !pattern.MatchString(field) || field == "time" {
				continue
			}
			v := row[field]
			for _, t := range transforms {
				v = applyValueTransform(v, t, cfg.Replacements, log)
			}
			row[field] = v
		}
	}
}

// nameMapping builds old-name to new-name mappings for tags or fields from
// the name rules, including regex-selected names.
func nameMapping(names []string, cfg *config, log *slog.Logger) map[string]string {
	mapping := make(map[string]string, len(names))
	applied := map[string]bool{}
	for _, name := range names {
		newName := name
		if transforms, ok := cfg.NamesRules[name]; ok {
			applied[name] = true
			for _, t := range transforms {
				newName = applyNameTransform(newName, t, cfg.Replacements, log)
			}
		}
		mapping[name] = newName
	}
	for ruleName, transforms := range cfg.NamesRules {
		pattern, ok := cfg.Patterns[ruleName]
		if !ok {
			continue
		}
		for _, name := range names {
			if applied[name] || !pattern.MatchString(name) {
				continue
			}
			newName := name
			for _, t := range transforms {
				newName = applyNameTransform(newName, t, cfg.Replacements, log)
			}
			mapping[name] = newName
		}
	}
	return mapping
}

// filterRows drops rows failing any filter and strips columns that are
// neither selected fields, tags, nor time.
func filterRows(filters []RowFilter, rows []pluginapi.Row, fields, tags []string) []pluginapi.Row {
	var out []pluginapi.Row
	for _, row := range rows {
		match := true
		for _, f := range filters {
			if !f.Matches(row) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		kept := pluginapi.Row{}
		for k, v := range row {
			if k == "time" || contains(fields, k) || contains(tags, k) {
				kept[k] = v
			}
		}
		out = append(out, kept)
	}
	return out
}

// buildSelect builds the scheduled-mode source query: tags, selected fields
// and time, with filters pushed into the WHERE clause.
func buildSelect(cfg *config, fields, tags []string, start, end time.Time) string {
	cols := make([]string, 0, len(tags)+len(fields)+1)
	for _, c := range append(append([]string{}, tags...), fields...) {
		cols = append(cols, `"`+c+`"`)
	}
	cols = append(cols, `"time"`)

	var filter strings.Builder
	for _, f := range cfg.Filters {
		switch v := f.Value.(type) {
		case int64:
			fmt.Fprintf(&filter, "AND \"%s\" %s %d\n", f.Field, f.Op, v)
		case float64:
			fmt.Fprintf(&filter, "AND \"%s\" %s %v\n", f.Field, f.Op, v)
		default:
			escaped := strings.ReplaceAll(fmt.Sprintf("%v", v), "'", "''")
			fmt.Fprintf(&filter, "AND \"%s\" %s '%s'\n", f.Field, f.Op, escaped)
		}
	}

	return fmt.Sprintf(`SELECT
	%s
FROM '%s'
WHERE time >= '%s'
AND time < '%s'
%sORDER BY time`,
		strings.Join(cols, ",\n\t"),
		cfg.Measurement,
		start.UTC().Format("2006-01-02T15:04:05Z"),
		end.UTC().Format("2006-01-02T15:04:05Z"),
		filter.String(),
	)
}

// toLines converts transformed rows to line protocol, typing fields from
// their dynamic values.
func toLines(rows []pluginapi.Row, target string, fields, tags []string) []*pluginapi.LineBuilder {
	var out []*pluginapi.LineBuilder
	for _, row := range rows {
		lb := pluginapi.NewLine(target)
		if ns, ok := timestampNs(row["time"]); ok {
			lb.TimeNs(ns)
		}
		for _, tag := range tags {
			if v, ok := row[tag]; ok && v != nil {
				lb.Tag(tag, fmt.Sprintf("%v", v))
			}
		}
		for _, field := range fields {
			if v, ok := row[field]; ok && v != nil {
				lb.Field(field, v)
			}
		}
		if lb.HasFields() {
			out = append(out, lb)
		}
	}
	return out
}

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
	}
	return 0, false
}

func values(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
