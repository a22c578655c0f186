package replicator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// parseWriteExclusions parses the per-table excluded_fields grammar used by
// the write trigger: "t1:f1@f2.t2:f3".
func parseWriteExclusions(raw string) (map[string][]string, error) {
	exclusions := map[string][]string{}
	if raw == "" {
		return exclusions, nil
	}
	for _, block := range strings.Split(raw, ".") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		table, fieldsRaw, found := strings.Cut(block, ":")
		if !found {
			return nil, fmt.Errorf("invalid segment %q: missing ':'", block)
		}
		if !namePattern.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
		if fieldsRaw == "" {
			exclusions[table] = nil
			continue
		}
		var fields []string
		for _, field := range strings.Split(fieldsRaw, "@") {
			if !namePattern.MatchString(field) {
				return nil, fmt.Errorf("invalid field name %q in table %q", field, table)
			}
			fields = append(fields, field)
		}
		exclusions[table] = fields
	}
	return exclusions, nil
}

// parseScheduleExclusions parses the flat dot-separated excluded_fields
// grammar used by the scheduled trigger.
func parseScheduleExclusions(raw string) []string {
	var fields []string
	for _, field := range strings.Split(raw, ".") {
		if field != "" {
			fields = append(fields, field)
		}
	}
	return fields
}

// parseTableRenames parses "old1:new1.old2:new2".
func parseTableRenames(raw string) (map[string]string, error) {
	renames := map[string]string{}
	if raw == "" {
		return renames, nil
	}
	for _, pair := range strings.Split(raw, ".") {
		old, replacement, found := strings.Cut(pair, ":")
		if !found {
			return nil, fmt.Errorf("invalid mapping pair %q: missing ':'", pair)
		}
		if !namePattern.MatchString(old) {
			return nil, fmt.Errorf("invalid table name %q", old)
		}
		if !namePattern.MatchString(replacement) {
			return nil, fmt.Errorf("invalid table name %q", replacement)
		}
		renames[old] = replacement
	}
	return renames, nil
}

// parseWriteFieldRenames parses the nested field_renames grammar used by the
// write trigger: "t1:oldA@newA oldB@newB.t2:oldX@newX".
func parseWriteFieldRenames(raw string) (map[string]map[string]string, error) {
	renames := map[string]map[string]string{}
	if raw == "" {
		return renames, nil
	}
	for _, block := range strings.Split(raw, ".") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		table, fieldsPart, found := strings.Cut(block, ":")
		if !found {
			return nil, fmt.Errorf("invalid segment %q: missing ':'", block)
		}
		if !namePattern.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
		tableRenames := map[string]string{}
		if fieldsPart != "" {
			for _, mapping := range strings.Split(fieldsPart, " ") {
				old, replacement, found := strings.Cut(mapping, "@")
				if !found {
					return nil, fmt.Errorf("invalid field mapping %q in table %q: missing '@'", mapping, table)
				}
				if !namePattern.MatchString(old) {
					return nil, fmt.Errorf("invalid old field name %q in table %q", old, table)
				}
				if !namePattern.MatchString(replacement) {
					return nil, fmt.Errorf("invalid new field name %q in table %q", replacement, table)
				}
				tableRenames[old] = replacement
			}
		}
		renames[table] = tableRenames
	}
	return renames, nil
}

// parseScheduleFieldRenames parses the flat field_renames grammar used by
// the scheduled trigger: "oldA:newA.oldB:newB".
func parseScheduleFieldRenames(raw string) (map[string]string, error) {
	renames := map[string]string{}
	if raw == "" {
		return renames, nil
	}
	for _, pair := range strings.Split(raw, ".") {
		if pair == "" {
			continue
		}
		old, replacement, found := strings.Cut(pair, ":")
		if !found {
			return nil, fmt.Errorf("invalid segment %q: missing ':'", pair)
		}
		if !namePattern.MatchString(replacement) {
			return nil, fmt.Errorf("invalid new field name %q", replacement)
		}
		renames[old] = replacement
	}
	return renames, nil
}

// rowToLine converts one row to line protocol for the remote instance. Tag
// columns become tags, numeric and bool values become fields, remaining
// strings become string fields. Renames apply to both tags and fields and
// excluded columns are dropped. Rows without a single field are skipped.
func rowToLine(target string, row pluginapi.Row, excluded []string, renames map[string]string, tagNames []string) (string, bool) {
	if len(row) == 0 {
		return "", false
	}

	isExcluded := func(k string) bool {
		for _, e := range excluded {
			if e == k {
				return true
			}
		}
		return false
	}
	isTagColumn := func(k string) bool {
		for _, t := range tagNames {
			if t == k {
				return true
			}
		}
		return false
	}
	rename := func(k string) string {
		if r, ok := renames[k]; ok {
			return r
		}
		return k
	}

	line := pluginapi.NewLine(target)

	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := row[k]
		if k == "time" || v == nil || isExcluded(k) {
			continue
		}
		if isTagColumn(k) {
			switch v.(type) {
			case int, int32, int64, float32, float64, bool:
			default:
				line.Tag(rename(k), fmt.Sprintf("%v", v))
			}
		}
	}
	for _, k := range keys {
		v := row[k]
		if k == "time" || v == nil || isExcluded(k) {
			continue
		}
		switch v.(type) {
		case int, int32, int64, float32, float64, bool:
			line.Field(rename(k), v)
		default:
			if !isTagColumn(k) {
				line.Field(rename(k), fmt.Sprintf("%v", v))
			}
		}
	}
	if !line.HasFields() {
		return "", false
	}

	if ns, ok := timestampNs(row["time"]); ok {
		line.TimeNs(ns)
	}
	built, err := line.Build()
	if err != nil {
		return "", false
	}
	return built, true
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
