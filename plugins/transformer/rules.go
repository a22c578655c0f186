package transformer

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// parseRules parses the transformation-rule grammar: dot-separated
// `name:"transform1 transform2"` parts. The value may be quoted; transforms
// are space-separated and applied in order.
func parseRules(raw string, log *slog.Logger) (map[string][]string, error) {
	if raw == "" {
		return nil, nil
	}
	result := map[string][]string{}
	for _, part := range strings.Split(raw, ".") {
		if part == "" {
			continue
		}
		idx := strings.Index(part, ":")
		if idx < 0 {
			log.Warn("transformation part should contain ':', skipping", "part", part)
			continue
		}
		name, valueStr := part[:idx], unquote(part[idx+1:])
		result[name] = strings.Fields(valueStr)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no valid transformation pairs found in %q", raw)
	}
	return result, nil
}

// parseReplacements parses `name:'old=new'` parts into replacement pairs
// addressable from transformation rules by name.
func parseReplacements(raw string, log *slog.Logger) (map[string][2]string, error) {
	if raw == "" {
		return nil, nil
	}
	result := map[string][2]string{}
	for _, part := range strings.Split(raw, ".") {
		idx := strings.Index(part, ":")
		if part == "" || idx < 0 {
			log.Warn("replacement part should contain ':', skipping", "part", part)
			continue
		}
		name := strings.TrimSpace(part[:idx])
		valueStr := unquote(strings.TrimSpace(part[idx+1:]))
		eq := strings.Index(valueStr, "=")
		if eq < 0 {
			log.Warn("replacement value does not contain '=', skipping", "part", part)
			continue
		}
		result[name] = [2]string{strings.TrimSpace(valueStr[:eq]), strings.TrimSpace(valueStr[eq+1:])}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no valid custom replacements found in %q", raw)
	}
	return result, nil
}

// parsePatterns parses `name:'pattern'` parts into compiled regexes. The
// pattern grammar is SQL LIKE: '%' matches any run of characters, '_' exactly
// one; everything else is literal.
func parsePatterns(raw string, log *slog.Logger) (map[string]*regexp.Regexp, error) {
	if raw == "" {
		return nil, nil
	}
	result := map[string]*regexp.Regexp{}
	for _, part := range strings.Split(raw, ".") {
		idx := strings.Index(part, ":")
		if part == "" || idx < 0 {
			log.Warn("pattern part should contain ':', skipping", "part", part)
			continue
		}
		name := strings.TrimSpace(part[:idx])
		pattern := unquote(strings.TrimSpace(part[idx+1:]))
		if name == "" || pattern == "" {
			log.Warn("empty name or pattern, skipping", "part", part)
			continue
		}
		compiled, err := compileLikePattern(pattern)
		if err != nil {
			log.Warn("failed to compile pattern, skipping", "pattern", pattern, "err", err)
			continue
		}
		result[name] = compiled
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no valid regex patterns found in %q", raw)
	}
	return result, nil
}

func compileLikePattern(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	for _, ch := range pattern {
		switch ch {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	return regexp.Compile(sb.String())
}

// filterOps in match order: two-character operators before their prefixes.
var filterOps = []string{">=", "<=", "!=", ">", "<", "="}

// RowFilter is one parsed `field:>=10` style condition.
type RowFilter struct {
	Field string
	Op    string
	Value any
}

// parseFilters parses the dot-separated filter grammar into row filters.
func parseFilters(raw string, log *slog.Logger) ([]RowFilter, error) {
	if raw == "" {
		return nil, nil
	}
	var result []RowFilter
	for _, part := range strings.Split(raw, ".") {
		idx := strings.Index(part, ":")
		if idx < 0 {
			log.Warn("skipping filter part without ':'", "part", part)
			continue
		}
		field := strings.TrimSpace(part[:idx])
		expr := unquote(strings.TrimSpace(part[idx+1:]))

		var op string
		for _, o := range filterOps {
			if strings.HasPrefix(expr, o) {
				op = o
				break
			}
		}
		if op == "" {
			log.Warn("no valid operator in filter part", "part", part)
			continue
		}
		valueStr := unquote(strings.TrimSpace(expr[len(op):]))
		result = append(result, RowFilter{Field: field, Op: op, Value: coerce(valueStr)})
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no valid filters parsed from %q", raw)
	}
	return result, nil
}

// coerce converts a literal to int64, float64 or keeps it as string.
func coerce(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Matches evaluates the filter against one row. Missing fields never match.
func (f RowFilter) Matches(row pluginapi.Row) bool {
	v, ok := row[f.Field]
	if !ok || v == nil {
		return false
	}

	if lhs, lok := toFloat(v); lok {
		if rhs, rok := toFloat(f.Value); rok {
			switch f.Op {
			case ">":
				return lhs > rhs
			case "<":
				return lhs < rhs
			case ">=":
				return lhs >= rhs
			case "<=":
				return lhs <= rhs
			case "=":
				return lhs == rhs
			case "!=":
				return lhs != rhs
			}
			return false
		}
	}

	lhs := fmt.Sprintf("%v", v)
	rhs := fmt.Sprintf("%v", f.Value)
	switch f.Op {
	case "=":
		return lhs == rhs
	case "!=":
		return lhs != rhs
	case ">":
		return lhs > rhs
	case "<":
		return lhs < rhs
	case ">=":
		return lhs >= rhs
	case "<=":
		return lhs <= rhs
	}
	return false
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
