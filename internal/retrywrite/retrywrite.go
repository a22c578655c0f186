package retrywrite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// backoffMin is a variable so tests can shrink the retry delay.
var backoffMin = time.Second

// Write writes lines to db, retrying up to maxRetries attempts with jittered
// exponential backoff. It returns the number of retries performed alongside
// the final error, so callers can log both.
func Write(ctx context.Context, api pluginapi.HostAPI, db string, lines []*pluginapi.LineBuilder, maxRetries int, log *slog.Logger) (int, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	b := &backoff.Backoff{Min: backoffMin, Max: time.Minute, Factor: 2, Jitter: true}

	retries := 0
	for attempt := 1; ; attempt++ {
		err := api.WritePoints(ctx, db, lines)
		if err == nil {
			return retries, nil
		}
		if attempt == maxRetries {
			return retries, fmt.Errorf("write failed after %d attempts: %w", attempt, err)
		}

		retries++
		log.Warn("write attempt failed",
			"attempt", attempt,
			"max_retries", maxRetries,
			"records", len(lines),
			"database", db,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return retries, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}
