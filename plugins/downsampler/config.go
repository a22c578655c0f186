package downsampler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/peterbarnett03/influxdb3-plugins/internal/schema"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// validAggregations are the aggregation functions accepted in calculations.
var validAggregations = map[string]bool{
	"avg":        true,
	"sum":        true,
	"min":        true,
	"max":        true,
	"derivative": true,
	"median":     true,
}

// FieldAggregation pairs a field with the aggregation applied to it.
type FieldAggregation struct {
	Field       string
	Aggregation string
}

var tagNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// parseMeasurements validates source_measurement and target_measurement,
// checking the source exists in the database.
func parseMeasurements(ctx context.Context, api pluginapi.HostAPI, args pluginapi.Args) (source, target string, err error) {
	source = args.String("source_measurement", "")
	target = args.String("target_measurement", "")
	if source == "" {
		return "", "", fmt.Errorf("missing source_measurement parameter")
	}
	if target == "" {
		return "", "", fmt.Errorf("missing target_measurement parameter")
	}
	exists, err := schema.TableExists(ctx, api, source)
	if err != nil {
		return "", "", err
	}
	if !exists {
		return "", "", fmt.Errorf("source measurement %q does not exist in database", source)
	}
	return source, target, nil
}

// parseTagValues parses the tag filter grammar: dot-separated
// "tag:value1@value2" pairs; values may be quoted to include dots or
// separators. Filters on tags the measurement does not have are dropped with
// a warning.
func parseTagValues(raw string, tagNames []string, log *slog.Logger) (map[string][]string, error) {
	if raw == "" {
		return nil, nil
	}
	known := make(map[string]bool, len(tagNames))
	for _, t := range tagNames {
		known[t] = true
	}

	result := map[string][]string{}
	for _, pair := range strings.Split(raw, ".") {
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || strings.Contains(parts[1], ":") {
			return nil, fmt.Errorf("invalid tag-value pair %q (must contain exactly one ':')", pair)
		}
		tag, valueStr := parts[0], parts[1]
		if !tagNamePattern.MatchString(tag) {
			return nil, fmt.Errorf("invalid tag name %q", tag)
		}

		var values []string
		for _, v := range strings.Split(valueStr, "@") {
			values = append(values, unquote(v))
		}

		if !known[tag] {
			log.Warn("tag does not exist in source measurement", "tag", tag)
			continue
		}
		result[tag] = append(result[tag], values...)
	}
	return result, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// parseCalculations resolves the calculations argument against the
// measurement's aggregatable fields. A bare aggregation name applies to every
// usable field; "field:agg.field2:agg" pairs name fields explicitly, with
// unnamed usable fields defaulting to avg.
func parseCalculations(raw string, aggregatable, specific, excluded []string, log *slog.Logger) ([]FieldAggregation, error) {
	if raw == "" {
		raw = "avg"
	}

	usable := usableFields(aggregatable, specific, excluded, log)

	var result []FieldAggregation
	if !strings.Contains(raw, ":") {
		if !validAggregations[raw] {
			return nil, fmt.Errorf("aggregation %q is not available", raw)
		}
		for _, f := range usable {
			result = append(result, FieldAggregation{Field: f, Aggregation: raw})
		}
	} else {
		used := map[string]bool{}
		for _, pair := range strings.Split(raw, ".") {
			parts := strings.SplitN(pair, ":", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("invalid calculation pair %q", pair)
			}
			field, agg := parts[0], parts[1]
			if !validAggregations[agg] {
				return nil, fmt.Errorf("aggregation %q is not available", agg)
			}
			if contains(usable, field) {
				result = append(result, FieldAggregation{Field: field, Aggregation: agg})
				used[field] = true
			} else {
				log.Info("field not available or excluded", "field", field)
			}
		}
		for _, f := range usable {
			if !used[f] {
				result = append(result, FieldAggregation{Field: f, Aggregation: "avg"})
			}
		}
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("no aggregatable fields available for downsampling")
	}
	return result, nil
}

// usableFields intersects specific_fields with the aggregatable set (or takes
// the whole set when no specific fields are named) and removes exclusions.
func usableFields(aggregatable, specific, excluded []string, log *slog.Logger) []string {
	base := aggregatable
	if len(specific) > 0 {
		base = nil
		for _, f := range specific {
			if contains(aggregatable, f) {
				base = append(base, f)
			} else {
				log.Info("field is not available for aggregation", "field", f)
			}
		}
	}
	var out []string
	for _, f := range base {
		if !contains(excluded, f) {
			out = append(out, f)
		}
	}
	return out
}

// httpTagValues reads the JSON-shaped tag_values object: tag name to list of
// values. Unknown tags are dropped with a warning.
func httpTagValues(body pluginapi.Args, tagNames []string, log *slog.Logger) (map[string][]string, error) {
	raw, ok := body["tag_values"]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		// Args-file overrides decode TOML tables the same way; a string here
		// means the scheduled grammar was used, which is also accepted.
		if s, isStr := raw.(string); isStr {
			return parseTagValues(s, tagNames, log)
		}
		return nil, fmt.Errorf("invalid tag_values format: expected object")
	}

	known := make(map[string]bool, len(tagNames))
	for _, t := range tagNames {
		known[t] = true
	}
	result := map[string][]string{}
	for tag, v := range obj {
		if !known[tag] {
			log.Warn("tag does not exist in source measurement", "tag", tag)
			continue
		}
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("invalid tag_values entry for %q: expected list", tag)
		}
		for _, item := range list {
			result[tag] = append(result[tag], fmt.Sprintf("%v", item))
		}
	}
	return result, nil
}

// httpCalculations reads the JSON-shaped calculations value: the string
// "avg"-style single aggregation, or a list of [field, aggregation] pairs.
func httpCalculations(body pluginapi.Args, aggregatable []string, log *slog.Logger) ([]FieldAggregation, error) {
	specific := body.StringList("specific_fields")
	excluded := body.StringList("excluded_fields")

	raw, ok := body["calculations"]
	if !ok || raw == nil {
		raw = "avg"
	}

	if s, isStr := raw.(string); isStr {
		return parseCalculations(s, aggregatable, specific, excluded, log)
	}

	pairs, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("invalid calculations format")
	}
	usable := usableFields(aggregatable, specific, excluded, log)

	var result []FieldAggregation
	used := map[string]bool{}
	for _, p := range pairs {
		pair, ok := p.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("invalid calculation pair %v", p)
		}
		field := fmt.Sprintf("%v", pair[0])
		agg := fmt.Sprintf("%v", pair[1])
		if !validAggregations[agg] {
			return nil, fmt.Errorf("aggregation %q is not available", agg)
		}
		if contains(usable, field) {
			result = append(result, FieldAggregation{Field: field, Aggregation: agg})
			used[field] = true
		} else {
			log.Info("field not available or excluded", "field", field)
		}
	}
	for _, f := range usable {
		if !used[f] {
			result = append(result, FieldAggregation{Field: f, Aggregation: "avg"})
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no aggregatable fields available for downsampling")
	}
	return result, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
