package statechange

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

var intPattern = regexp.MustCompile(`^-?\d+$`)

// FieldThreshold is one parsed field_thresholds segment: the field must hold
// Value for Count consecutive points, or continuously for Duration.
type FieldThreshold struct {
	Field    string
	Value    any
	Count    int
	Duration time.Duration
}

// DurationMode reports whether the threshold tracks elapsed time instead of a
// consecutive point count.
func (t FieldThreshold) DurationMode() bool {
	return t.Duration > 0
}

// parseFieldThresholds parses the @-separated field_thresholds grammar, e.g.
// temp:"30":60@status:'ok':2h. Each segment has exactly three colon-separated
// parts: field, target value, and either a count or a duration. Malformed
// segments are logged and skipped.
func parseFieldThresholds(raw string, log *slog.Logger) ([]FieldThreshold, error) {
	var thresholds []FieldThreshold
	for _, segment := range strings.Split(raw, "@") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		parts := strings.SplitN(segment, ":", 3)
		if len(parts) != 3 || strings.Contains(parts[2], ":") {
			log.Warn("threshold segment must have exactly two colons, skipping", "segment", segment)
			continue
		}
		th := FieldThreshold{
			Field: strings.TrimSpace(parts[0]),
			Value: coerceValue(parts[1]),
		}
		third := strings.TrimSpace(parts[2])
		if intPattern.MatchString(third) {
			th.Count, _ = strconv.Atoi(third)
		} else {
			d, err := pluginapi.ParseDuration(third)
			if err != nil {
				log.Warn("invalid duration in threshold segment, skipping", "segment", segment, "err", err)
				continue
			}
			th.Duration = d
		}
		thresholds = append(thresholds, th)
	}
	if len(thresholds) == 0 {
		return nil, fmt.Errorf("no valid field threshold segments in %q", raw)
	}
	return thresholds, nil
}

// parseChangeCounts parses the dot-separated field_change_count grammar used
// by the scheduled trigger, e.g. temp:3.status:1.
func parseChangeCounts(raw string, log *slog.Logger) (map[string]int, error) {
	counts := map[string]int{}
	for _, pair := range strings.Split(raw, ".") {
		field, countStr, found := strings.Cut(pair, ":")
		if !found {
			log.Warn("field_change_count pair missing ':', skipping", "pair", pair)
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			log.Warn("field_change_count pair has invalid count, skipping", "pair", pair)
			continue
		}
		counts[strings.TrimSpace(field)] = count
	}
	if len(counts) == 0 {
		return nil, fmt.Errorf("no valid entries in field_change_count")
	}
	return counts, nil
}

// coerceValue converts a raw target value to bool, int64, float64, or, for
// anything else, a string with surrounding quotes stripped.
func coerceValue(raw string) any {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 2 {
		if (raw[0] == '\'' && raw[len(raw)-1] == '\'') || (raw[0] == '"' && raw[len(raw)-1] == '"') {
			raw = raw[1 : len(raw)-1]
		}
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// equalValues compares a row value against a parsed target. Numbers compare
// numerically regardless of concrete type.
func equalValues(actual, target any) bool {
	if an, ok := numeric(actual); ok {
		if tn, ok := numeric(target); ok {
			return an == tn
		}
	}
	if ab, ok := actual.(bool); ok {
		tb, ok := target.(bool)
		return ok && ab == tb
	}
	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", target)
}

// stable reports whether the recent value history flipped fewer than maxFlips
// times. The history excludes the value currently being processed.
func stable(history []any, maxFlips int) bool {
	if len(history) < 2 {
		return true
	}
	changes := 0
	for i := 1; i < len(history); i++ {
		if !equalValues(history[i], history[i-1]) {
			changes++
			if changes >= maxFlips {
				return false
			}
		}
	}
	return true
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

func formatValue(v any) string {
	return fmt.Sprintf("%v", v)
}
