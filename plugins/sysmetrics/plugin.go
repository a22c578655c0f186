package sysmetrics

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jpillora/backoff"
	dto "github.com/prometheus/client_model/go"

	"github.com/peterbarnett03/influxdb3-plugins/internal/retrywrite"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

const (
	defaultEndpoint      = "http://localhost:9100/metrics"
	defaultScrapeTimeout = 10 * time.Second
)

// backoffMin is a variable so tests can shrink the retry delay.
var backoffMin = time.Second

// Plugin implements the scheduled trigger.
type Plugin struct {
	Now func() time.Time
	// Client overrides the scrape HTTP client, for tests. When nil a client
	// with a 10s timeout is used.
	Client *http.Client
}

func New() *Plugin {
	return &Plugin{Now: time.Now}
}

func (p *Plugin) httpClient() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: defaultScrapeTimeout}
}

// ProcessScheduledCall scrapes the metrics endpoint and writes every enabled
// metric group. The scrape is retried with backoff before giving up.
func (p *Plugin) ProcessScheduledCall(ctx context.Context, api pluginapi.HostAPI, callTime time.Time, args pluginapi.Args) error {
	log := api.Log()

	args, _, err := args.LoadOverride()
	if err != nil {
		log.Error("failed to read args file", "err", err)
		return err
	}

	endpoint := args.String("endpoint", defaultEndpoint)
	hostname := args.String("hostname", "")
	if hostname == "" {
		if hostname, _ = os.Hostname(); hostname == "" {
			hostname = "localhost"
		}
	}
	maxRetries := args.Int("max_retries", 3)

	mfs, err := p.scrape(ctx, endpoint, maxRetries, log)
	if err != nil {
		log.Error("metrics scrape failed", "endpoint", endpoint, "err", err)
		return err
	}

	var lines []*pluginapi.LineBuilder
	if args.Bool("include_cpu", true) {
		lines = append(lines, collectCPU(mfs, hostname)...)
	}
	if args.Bool("include_memory", true) {
		lines = append(lines, collectMemory(mfs, hostname)...)
	}
	if args.Bool("include_disk", true) {
		lines = append(lines, collectDisk(mfs, hostname)...)
	}
	if args.Bool("include_network", true) {
		lines = append(lines, collectNetwork(mfs, hostname)...)
	}
	if len(lines) == 0 {
		log.Info("no metric groups enabled", "host", hostname)
		return nil
	}

	retries, err := retrywrite.Write(ctx, api, args.String("target_database", ""), lines, maxRetries, log)
	if err != nil {
		log.Error("failed to write system metrics", "retries", retries, "err", err)
		return err
	}
	log.Info("collected system metrics", "host", hostname, "lines", len(lines))
	return nil
}

// scrape fetches the exposition endpoint, retrying transient failures up to
// maxRetries attempts.
func (p *Plugin) scrape(ctx context.Context, endpoint string, maxRetries int, log *slog.Logger) (map[string]*dto.MetricFamily, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	client := p.httpClient()
	b := &backoff.Backoff{Min: backoffMin, Max: time.Minute, Factor: 2, Jitter: true}
	for attempt := 1; ; attempt++ {
		mfs, err := fetchMetrics(ctx, client, endpoint)
		if err == nil {
			return mfs, nil
		}
		if attempt == maxRetries {
			return nil, err
		}
		log.Warn("scrape attempt failed", "attempt", attempt, "max_retries", maxRetries, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}
