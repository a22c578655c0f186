package thresholds

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Operators ordered longest first so prefix matching picks ">=" before ">".
var operators = []string{">=", "<=", "==", "!=", ">", "<"}

var levels = map[string]bool{"INFO": true, "WARN": true, "ERROR": true}

var validAggregations = map[string]bool{
	"avg":        true,
	"count":      true,
	"sum":        true,
	"min":        true,
	"max":        true,
	"derivative": true,
	"median":     true,
}

var conditionPattern = regexp.MustCompile(`^([A-Za-z0-9_.-]+)\s*(>=|<=|==|!=|>|<)\s*(.+)$`)

// Condition is one per-row check, like temp>30-ERROR.
type Condition struct {
	Field string
	Op    string
	Value any
	Level string
}

// AggCondition is one windowed check, like temp:avg@">=30-ERROR".
type AggCondition struct {
	Field       string
	Aggregation string
	Op          string
	Value       float64
	Level       string
}

// parseConditions parses the colon-separated field_conditions grammar.
// Malformed segments are logged and skipped; an input with no usable segment
// is an error.
func parseConditions(raw string, log *slog.Logger) ([]Condition, error) {
	if raw == "" {
		return nil, fmt.Errorf("missing required argument: field_conditions")
	}

	var conds []Condition
	for _, part := range strings.Split(raw, ":") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.LastIndex(part, "-")
		if idx < 0 {
			log.Warn("condition has no message level, skipping", "condition", part)
			continue
		}
		expr, level := part[:idx], strings.ToUpper(strings.TrimSpace(part[idx+1:]))
		if !levels[level] {
			log.Warn("invalid message level, skipping", "level", level, "condition", part)
			continue
		}
		m := conditionPattern.FindStringSubmatch(expr)
		if m == nil {
			log.Warn("invalid condition format, skipping", "condition", part)
			continue
		}
		conds = append(conds, Condition{
			Field: m[1],
			Op:    m[2],
			Value: coerceValue(m[3]),
			Level: level,
		})
	}
	if len(conds) == 0 {
		return nil, fmt.Errorf("no valid field conditions provided")
	}
	return conds, nil
}

// parseAggConditions parses the $-separated field_aggregation_values grammar.
// A missing argument yields an empty slice; an argument with no usable segment
// is an error.
func parseAggConditions(raw string, log *slog.Logger) ([]AggCondition, error) {
	if raw == "" {
		return nil, nil
	}

	var conds []AggCondition
	for _, pair := range strings.Split(raw, "$") {
		if pair == "" || !strings.Contains(pair, ":") {
			log.Warn("invalid aggregation pair, skipping", "pair", pair)
			continue
		}
		field, aggExpr, _ := strings.Cut(pair, ":")
		agg, valueExpr, found := strings.Cut(aggExpr, "@")
		if !found {
			log.Warn("aggregation pair missing '@', skipping", "pair", pair)
			continue
		}
		agg = strings.TrimSpace(agg)
		if !validAggregations[agg] {
			log.Warn("unsupported aggregation, skipping", "aggregation", agg)
			continue
		}
		valueExpr = unquote(valueExpr)

		op := ""
		for _, cand := range operators {
			if strings.HasPrefix(valueExpr, cand) {
				op = cand
				break
			}
		}
		if op == "" {
			log.Warn("no comparison operator in value expression, skipping", "pair", pair)
			continue
		}
		rest := strings.TrimSpace(valueExpr[len(op):])
		idx := strings.LastIndex(rest, "-")
		if idx < 0 {
			log.Warn("missing message level in value expression, skipping", "pair", pair)
			continue
		}
		valueStr, level := rest[:idx], strings.ToUpper(rest[idx+1:])
		if !levels[level] {
			log.Warn("invalid message level, skipping", "level", level, "pair", pair)
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
		if err != nil {
			log.Warn("threshold value is not a number, skipping", "value", valueStr, "pair", pair)
			continue
		}
		conds = append(conds, AggCondition{
			Field:       strings.TrimSpace(field),
			Aggregation: agg,
			Op:          op,
			Value:       value,
			Level:       level,
		})
	}
	if len(conds) == 0 {
		return nil, fmt.Errorf("no valid field aggregation values provided")
	}
	return conds, nil
}

// coerceValue converts a raw condition value to bool, int64, float64, or, for
// anything else, a string with surrounding quotes stripped.
func coerceValue(raw string) any {
	raw = unquote(strings.TrimSpace(raw))
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

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// matches evaluates actual against want. Numbers compare numerically, bools
// support equality only, everything else falls back to string ordering.
func matches(op string, actual, want any) bool {
	if an, ok := numeric(actual); ok {
		if wn, ok := numeric(want); ok {
			return compareFloat(op, an, wn)
		}
	}
	if wb, ok := want.(bool); ok {
		ab, ok := actual.(bool)
		if !ok {
			return false
		}
		switch op {
		case "==":
			return ab == wb
		case "!=":
			return ab != wb
		}
		return false
	}
	return compareString(op, fmt.Sprintf("%v", actual), fmt.Sprintf("%v", want))
}

func compareFloat(op string, a, b float64) bool {
	switch op {
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	case "==":
		return a == b
	case "!=":
		return a != b
	}
	return false
}

func compareString(op, a, b string) bool {
	switch op {
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	case "==":
		return a == b
	case "!=":
		return a != b
	}
	return false
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
