package thresholds

import (
	"io"
	"log/slog"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseConditions(t *testing.T) {
	conds, err := parseConditions("temp>30-ERROR:status=='ok'-INFO:count<=100-WARN", discard())
	if err != nil {
		t.Fatalf("parseConditions: %v", err)
	}
	if len(conds) != 3 {
		t.Fatalf("conds = %v", conds)
	}

	if conds[0].Field != "temp" || conds[0].Op != ">" || conds[0].Value != int64(30) || conds[0].Level != "ERROR" {
		t.Errorf("conds[0] = %+v", conds[0])
	}
	if conds[1].Field != "status" || conds[1].Op != "==" || conds[1].Value != "ok" || conds[1].Level != "INFO" {
		t.Errorf("conds[1] = %+v", conds[1])
	}
	if conds[2].Field != "count" || conds[2].Op != "<=" || conds[2].Value != int64(100) || conds[2].Level != "WARN" {
		t.Errorf("conds[2] = %+v", conds[2])
	}
}

func TestParseConditionsSkipsMalformedSegments(t *testing.T) {
	conds, err := parseConditions("nolevel>5:bad$$format-INFO:temp>1.5-ERROR:x>2-BOGUS", discard())
	if err != nil {
		t.Fatalf("parseConditions: %v", err)
	}
	if len(conds) != 1 || conds[0].Field != "temp" || conds[0].Value != 1.5 {
		t.Fatalf("conds = %+v", conds)
	}
}

func TestParseConditionsAllInvalid(t *testing.T) {
	if _, err := parseConditions("garbage", discard()); err == nil {
		t.Fatal("expected error for input with no valid conditions")
	}
	if _, err := parseConditions("", discard()); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestParseAggConditions(t *testing.T) {
	conds, err := parseAggConditions(`temp:avg@">=30-ERROR"$hum:min@'<5.0-INFO'`, discard())
	if err != nil {
		t.Fatalf("parseAggConditions: %v", err)
	}
	if len(conds) != 2 {
		t.Fatalf("conds = %+v", conds)
	}
	if conds[0].Field != "temp" || conds[0].Aggregation != "avg" || conds[0].Op != ">=" || conds[0].Value != 30 || conds[0].Level != "ERROR" {
		t.Errorf("conds[0] = %+v", conds[0])
	}
	if conds[1].Field != "hum" || conds[1].Aggregation != "min" || conds[1].Op != "<" || conds[1].Value != 5 || conds[1].Level != "INFO" {
		t.Errorf("conds[1] = %+v", conds[1])
	}
}

func TestParseAggConditionsMissingArgument(t *testing.T) {
	conds, err := parseAggConditions("", discard())
	if err != nil || conds != nil {
		t.Fatalf("conds = %v, err = %v", conds, err)
	}
}

func TestParseAggConditionsRejectsUnknownAggregation(t *testing.T) {
	if _, err := parseAggConditions("temp:stddev@>=30-ERROR", discard()); err == nil {
		t.Fatal("expected error when no segment survives")
	}
}

func TestCoerceValue(t *testing.T) {
	cases := []struct {
		raw  string
		want any
	}{
		{"30", int64(30)},
		{"-4", int64(-4)},
		{"1.5", 1.5},
		{"true", true},
		{"False", false},
		{"'ok'", "ok"},
		{`"warn state"`, "warn state"},
		{"running", "running"},
	}
	for _, c := range cases {
		if got := coerceValue(c.raw); got != c.want {
			t.Errorf("coerceValue(%q) = %v (%T), want %v (%T)", c.raw, got, got, c.want, c.want)
		}
	}
}

func TestMatches(t *testing.T) {
	if !matches(">", 35.0, int64(30)) {
		t.Error("35 > 30 should match")
	}
	if matches(">", 25.0, int64(30)) {
		t.Error("25 > 30 should not match")
	}
	if !matches("==", "ok", "ok") {
		t.Error("string equality should match")
	}
	if !matches("!=", true, false) {
		t.Error("bool inequality should match")
	}
	if matches(">", true, false) {
		t.Error("bools only support equality operators")
	}
	if !matches("<=", int64(100), int64(100)) {
		t.Error("100 <= 100 should match")
	}
}
