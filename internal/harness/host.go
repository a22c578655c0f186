package harness

import (
	"context"
	"log/slog"

	"github.com/peterbarnett03/influxdb3-plugins/internal/influxhttp"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// host implements pluginapi.HostAPI on top of the server's HTTP API. One
// host is built per run, carrying the run's task-scoped logger; the cache is
// shared across runs of the same trigger.
type host struct {
	client *influxhttp.Client
	db     string
	log    *slog.Logger
	cache  pluginapi.Cache
}

func (h *host) Query(ctx context.Context, sql string, params map[string]any) ([]pluginapi.Row, error) {
	return h.client.QuerySQL(ctx, h.db, sql, params)
}

func (h *host) WritePoints(ctx context.Context, db string, lines []*pluginapi.LineBuilder) error {
	if db == "" {
		db = h.db
	}
	built := make([]string, 0, len(lines))
	for _, lb := range lines {
		s, err := lb.Build()
		if err != nil {
			return err
		}
		built = append(built, s)
	}
	return h.client.WriteLP(ctx, db, built)
}

func (h *host) Log() *slog.Logger { return h.log }

func (h *host) Cache() pluginapi.Cache { return h.cache }
