package madcheck

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseThresholds(t *testing.T) {
	got, err := parseThresholds("temp:2.5:10:3 @ co:1:5:2min", discard())
	if err != nil {
		t.Fatalf("parseThresholds: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	first := got[0]
	if first.Field != "temp" || first.K != 2.5 || first.WindowCount != 10 || first.Count != 3 || first.DurationMode() {
		t.Fatalf("first = %+v", first)
	}
	second := got[1]
	if second.Field != "co" || !second.DurationMode() || second.Duration != 2*time.Minute {
		t.Fatalf("second = %+v", second)
	}
}

func TestParseThresholdsSkipsInvalidSegments(t *testing.T) {
	got, err := parseThresholds("bad-segment@temp:2:5:1", discard())
	if err != nil {
		t.Fatalf("parseThresholds: %v", err)
	}
	if len(got) != 1 || got[0].Field != "temp" {
		t.Fatalf("got %v", got)
	}
}

func TestParseThresholdsAllInvalid(t *testing.T) {
	if _, err := parseThresholds("nope", discard()); err == nil {
		t.Fatal("expected error")
	}
}

func TestMedian(t *testing.T) {
	if m := median([]float64{3, 1, 2}); m != 2 {
		t.Fatalf("median odd = %v", m)
	}
	if m := median([]float64{4, 1, 2, 3}); m != 2.5 {
		t.Fatalf("median even = %v", m)
	}
}

func TestMadBounds(t *testing.T) {
	window := []float64{10, 10, 10, 10, 12}
	lower, upper := madBounds(window, 3)
	// median 10, deviations [0 0 0 0 2], MAD 0: band collapses to the median.
	if lower != 10 || upper != 10 {
		t.Fatalf("bounds = [%v, %v]", lower, upper)
	}

	window = []float64{1, 2, 3, 4, 100}
	lower, upper = madBounds(window, 2)
	// median 3, deviations [2 1 0 1 97], MAD 1.
	if lower != 1 || upper != 5 {
		t.Fatalf("bounds = [%v, %v]", lower, upper)
	}
}

func TestStable(t *testing.T) {
	if !stable([]float64{1, 1, 1}, 2) {
		t.Fatal("constant window should be stable")
	}
	if stable([]float64{1, 2, 1, 2}, 2) {
		t.Fatal("flapping window should be unstable")
	}
	if !stable([]float64{1, 2, 1, 2}, 0) {
		t.Fatal("maxFlips 0 disables suppression")
	}
}
