package harness

import (
	"testing"
	"time"
)

func TestParseSpec(t *testing.T) {
	cases := []struct {
		raw  string
		want Spec
	}{
		{"every:5m", Spec{Kind: SpecScheduled, Every: 5 * time.Minute}},
		{"every:10min", Spec{Kind: SpecScheduled, Every: 10 * time.Minute}},
		{"every:1d", Spec{Kind: SpecScheduled, Every: 24 * time.Hour}},
		{"table:cpu", Spec{Kind: SpecSingleTable, Table: "cpu"}},
		{"all_tables", Spec{Kind: SpecAllTables}},
		{"request:alerts", Spec{Kind: SpecRequest, Path: "alerts"}},
		{"request:/alerts/", Spec{Kind: SpecRequest, Path: "alerts"}},
	}
	for _, c := range cases {
		got, err := ParseSpec(c.raw)
		if err != nil {
			t.Errorf("ParseSpec(%q): %v", c.raw, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseSpec(%q) = %+v, want %+v", c.raw, got, c.want)
		}
	}
}

func TestParseSpecErrors(t *testing.T) {
	for _, raw := range []string{"", "hourly", "every:", "every:soon", "every:-5m", "table:", "request:"} {
		if _, err := ParseSpec(raw); err == nil {
			t.Errorf("ParseSpec(%q): expected error", raw)
		}
	}
}
