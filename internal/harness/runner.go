package harness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peterbarnett03/influxdb3-plugins/internal/influxhttp"
	"github.com/peterbarnett03/influxdb3-plugins/internal/runfeed"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// trigger is one configured trigger with its plugin instance and the cache
// shared across its runs.
type trigger struct {
	cfg    TriggerConfig
	spec   Spec
	plugin any
	cache  *pluginapi.MemCache
}

// Runner owns the live trigger set. Scheduled triggers run on tickers;
// write and request triggers are dispatched by the HTTP server. Apply
// replaces the whole set, which is how config reloads work.
type Runner struct {
	client *influxhttp.Client
	feed   *runfeed.Hub
	log    *slog.Logger

	mu       sync.Mutex
	triggers []*trigger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewRunner(client *influxhttp.Client, feed *runfeed.Hub, log *slog.Logger) *Runner {
	return &Runner{client: client, feed: feed, log: log}
}

// Apply replaces the running trigger set with the one cfg describes.
// Scheduled loops from the previous set are stopped first.
func (r *Runner) Apply(ctx context.Context, cfg *Config) error {
	triggers := make([]*trigger, 0, len(cfg.Triggers))
	for _, tc := range cfg.Triggers {
		spec, err := ParseSpec(tc.Spec)
		if err != nil {
			return err
		}
		plugin, err := NewPlugin(tc.Plugin)
		if err != nil {
			return err
		}
		triggers = append(triggers, &trigger{
			cfg:    tc,
			spec:   spec,
			plugin: plugin,
			cache:  pluginapi.NewMemCache(),
		})
	}

	r.mu.Lock()
	r.stopLocked()
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.triggers = triggers
	for _, t := range triggers {
		if t.spec.Kind != SpecScheduled {
			continue
		}
		r.wg.Add(1)
		go r.runScheduled(runCtx, t)
	}
	r.mu.Unlock()

	r.log.Info("trigger set applied", "triggers", len(triggers))
	return nil
}

// Stop cancels every scheduled loop and waits for them to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopLocked()
	r.mu.Unlock()
}

func (r *Runner) stopLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.wg.Wait()
	r.triggers = nil
}

// runScheduled ticks the trigger at its configured interval until the run
// context is cancelled.
func (r *Runner) runScheduled(ctx context.Context, t *trigger) {
	defer r.wg.Done()

	ticker := time.NewTicker(t.spec.Every)
	defer ticker.Stop()

	r.log.Info("scheduled trigger started",
		"trigger", t.cfg.Name, "plugin", t.cfg.Plugin, "every", t.spec.Every)

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			plugin, ok := t.plugin.(pluginapi.ScheduledPlugin)
			if !ok {
				return
			}
			r.invoke(ctx, t, func(runCtx context.Context, api pluginapi.HostAPI) error {
				return plugin.ProcessScheduledCall(runCtx, api, tick.UTC(), t.cfg.PluginArgs())
			})
		}
	}
}

// DispatchWrites hands the parsed batches to every write trigger bound to
// db. Single-table triggers only see their own table's batch.
func (r *Runner) DispatchWrites(ctx context.Context, db string, batches []pluginapi.TableBatch) {
	for _, t := range r.snapshot() {
		if t.cfg.Database != db {
			continue
		}
		plugin, ok := t.plugin.(pluginapi.WritePlugin)
		if !ok {
			continue
		}

		var selected []pluginapi.TableBatch
		switch t.spec.Kind {
		case SpecAllTables:
			selected = batches
		case SpecSingleTable:
			for _, b := range batches {
				if b.TableName == t.spec.Table {
					selected = append(selected, b)
				}
			}
		default:
			continue
		}
		if len(selected) == 0 {
			continue
		}

		t := t
		r.invoke(ctx, t, func(runCtx context.Context, api pluginapi.HostAPI) error {
			return plugin.ProcessWrites(runCtx, api, selected, t.cfg.PluginArgs())
		})
	}
}

// HandleEngine routes one engine HTTP request to the request trigger bound
// to path. The bool reports whether such a trigger exists.
func (r *Runner) HandleEngine(ctx context.Context, path string, req *pluginapi.Request) (*pluginapi.Response, bool) {
	for _, t := range r.snapshot() {
		if t.spec.Kind != SpecRequest || t.spec.Path != path {
			continue
		}
		plugin, ok := t.plugin.(pluginapi.HTTPPlugin)
		if !ok {
			continue
		}

		var resp *pluginapi.Response
		r.invoke(ctx, t, func(runCtx context.Context, api pluginapi.HostAPI) error {
			var err error
			resp, err = plugin.ProcessRequest(runCtx, api, req, t.cfg.PluginArgs())
			return err
		})
		if resp == nil {
			resp = &pluginapi.Response{StatusCode: 500, Body: map[string]string{"error": "plugin failed"}}
		}
		return resp, true
	}
	return nil, false
}

func (r *Runner) snapshot() []*trigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*trigger(nil), r.triggers...)
}

// invoke runs one plugin callback with a task-scoped host, then reports the
// run on the feed.
func (r *Runner) invoke(ctx context.Context, t *trigger, fn func(context.Context, pluginapi.HostAPI) error) {
	taskID := uuid.NewString()
	log := r.log.With("trigger", t.cfg.Name, "plugin", t.cfg.Plugin, "task", taskID)
	api := &host{
		client: r.client,
		db:     t.cfg.Database,
		log:    log,
		cache:  t.cache,
	}

	start := time.Now()
	err := fn(ctx, api)
	elapsed := time.Since(start)

	rec := runfeed.Record{
		Trigger:    t.cfg.Name,
		Plugin:     t.cfg.Plugin,
		TaskID:     taskID,
		Status:     "ok",
		DurationMs: elapsed.Milliseconds(),
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
		log.Error("plugin run failed", "duration", elapsed, "err", err)
	} else {
		log.Info("plugin run finished", "duration", elapsed)
	}
	r.feed.Publish(rec)
}
