package madcheck

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// Threshold is one parsed MAD threshold segment: field_name:k:window:threshold.
// The threshold is either a consecutive-outlier count or a persistence
// duration, never both.
type Threshold struct {
	Field       string
	K           float64
	WindowCount int
	Count       int
	Duration    time.Duration
}

// DurationMode reports whether the threshold is duration-based.
func (t Threshold) DurationMode() bool { return t.Duration > 0 }

// parseThresholds parses the '@'-separated mad_thresholds argument. Invalid
// segments are skipped with a warning; no valid segment at all is an error.
func parseThresholds(raw string, log *slog.Logger) ([]Threshold, error) {
	var out []Threshold
	for _, seg := range strings.Split(raw, "@") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		parts := strings.Split(seg, ":")
		if len(parts) != 4 {
			log.Warn("invalid MAD threshold segment, expected 4 ':'-delimited parts", "segment", seg)
			continue
		}

		t := Threshold{Field: strings.TrimSpace(parts[0])}

		kRaw := unquote(strings.TrimSpace(parts[1]))
		k, err := strconv.ParseFloat(kRaw, 64)
		if err != nil {
			log.Warn("invalid k in MAD threshold segment", "segment", seg)
			continue
		}
		t.K = k

		wc, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || wc < 1 {
			log.Warn("invalid window_count in MAD threshold segment", "segment", seg)
			continue
		}
		t.WindowCount = wc

		threshRaw := strings.TrimSpace(parts[3])
		if n, err := strconv.Atoi(threshRaw); err == nil {
			t.Count = n
		} else if d, err := pluginapi.ParseDuration(threshRaw); err == nil {
			t.Duration = d
		} else {
			log.Warn("invalid threshold in MAD threshold segment", "segment", seg)
			continue
		}

		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid MAD threshold segments in %q", raw)
	}
	return out, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// median of a non-empty sample.
func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// madBounds returns the [median - k*MAD, median + k*MAD] acceptance band for
// the window.
func madBounds(window []float64, k float64) (lower, upper float64) {
	med := median(window)
	devs := make([]float64, len(window))
	for i, v := range window {
		d := v - med
		if d < 0 {
			d = -d
		}
		devs[i] = d
	}
	mad := median(devs)
	return med - k*mad, med + k*mad
}

// stable reports whether the window's value flipped fewer than maxFlips
// times. maxFlips zero disables suppression.
func stable(window []float64, maxFlips int) bool {
	if len(window) < 2 || maxFlips == 0 {
		return true
	}
	flips := 0
	for i := 1; i < len(window); i++ {
		if window[i] != window[i-1] {
			flips++
			if flips >= maxFlips {
				return false
			}
		}
	}
	return true
}
