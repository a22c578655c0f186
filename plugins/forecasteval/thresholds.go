package forecasteval

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

var validMetrics = map[string]bool{"mse": true, "mae": true, "rmse": true}

var validLevels = map[string]bool{"INFO": true, "WARN": true, "ERROR": true, "CRITICAL": true}

// ErrorThreshold pairs a message level with the error value at which it
// fires.
type ErrorThreshold struct {
	Level string
	Value float64
}

// parseErrorThresholds parses the colon-separated error_thresholds grammar,
// e.g. INFO-0.5:ERROR-1.0. Malformed parts are logged and skipped; input with
// no usable part is an error. Order is preserved.
func parseErrorThresholds(raw string, log *slog.Logger) ([]ErrorThreshold, error) {
	var thresholds []ErrorThreshold
	for _, part := range strings.Split(raw, ":") {
		level, valueStr, found := strings.Cut(part, "-")
		if !found {
			log.Warn("threshold part missing '-', skipping", "part", part)
			continue
		}
		if !validLevels[level] {
			log.Warn("invalid message level, skipping", "level", level, "part", part)
			continue
		}
		value, err := strconv.ParseFloat(unquote(valueStr), 64)
		if err != nil {
			log.Warn("threshold value is not a number, skipping", "part", part)
			continue
		}
		thresholds = append(thresholds, ErrorThreshold{Level: level, Value: value})
	}
	if len(thresholds) == 0 {
		return nil, fmt.Errorf("no valid error thresholds in %q", raw)
	}
	return thresholds, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// errorValue computes the per-point error for the given metric. For a single
// point mse squares the difference while mae and rmse both reduce to the
// absolute difference.
func errorValue(metric string, forecast, actual float64) float64 {
	diff := forecast - actual
	switch metric {
	case "mse":
		return diff * diff
	case "mae":
		return math.Abs(diff)
	default: // rmse
		return math.Sqrt(diff * diff)
	}
}
