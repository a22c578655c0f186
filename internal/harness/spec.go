package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// SpecKind is the trigger type a specification selects.
type SpecKind int

const (
	// SpecScheduled runs the plugin on a fixed interval.
	SpecScheduled SpecKind = iota
	// SpecAllTables runs the plugin on writes to any table.
	SpecAllTables
	// SpecSingleTable runs the plugin on writes to one table.
	SpecSingleTable
	// SpecRequest serves the plugin on an HTTP path.
	SpecRequest
)

// Spec is a parsed trigger specification.
type Spec struct {
	Kind  SpecKind
	Every time.Duration
	Table string
	Path  string
}

// ParseSpec parses the engine's trigger specification grammar:
// "every:<interval>", "table:<name>", "all_tables" and "request:<path>".
// Intervals accept both Go durations ("5m") and the plugin duration grammar
// ("5min", "1d").
func ParseSpec(raw string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "all_tables":
		return Spec{Kind: SpecAllTables}, nil

	case strings.HasPrefix(raw, "every:"):
		val := strings.TrimPrefix(raw, "every:")
		d, err := time.ParseDuration(val)
		if err != nil {
			d, err = pluginapi.ParseDuration(val)
		}
		if err != nil {
			return Spec{}, fmt.Errorf("invalid interval %q in spec %q", val, raw)
		}
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval in spec %q must be positive", raw)
		}
		return Spec{Kind: SpecScheduled, Every: d}, nil

	case strings.HasPrefix(raw, "table:"):
		name := strings.TrimPrefix(raw, "table:")
		if name == "" {
			return Spec{}, fmt.Errorf("spec %q names no table", raw)
		}
		return Spec{Kind: SpecSingleTable, Table: name}, nil

	case strings.HasPrefix(raw, "request:"):
		path := strings.Trim(strings.TrimPrefix(raw, "request:"), "/")
		if path == "" {
			return Spec{}, fmt.Errorf("spec %q names no path", raw)
		}
		return Spec{Kind: SpecRequest, Path: path}, nil
	}
	return Spec{}, fmt.Errorf("unknown trigger specification %q", raw)
}
