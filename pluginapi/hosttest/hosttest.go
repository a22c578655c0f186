package hosttest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// QueryResult is one scripted answer. The first result whose Match substring
// appears in the executed SQL is returned; an empty Match matches anything.
type QueryResult struct {
	Match string
	Rows  []pluginapi.Row
	Err   error
}

// Write records one WritePoints call.
type Write struct {
	Database string
	Lines    []string
}

// Host is a scripted HostAPI for tests.
type Host struct {
	mu      sync.Mutex
	results []QueryResult
	queries []string
	writes  []Write
	logs    *logCapture
	logger  *slog.Logger
	cache   *pluginapi.MemCache
}

// New returns a Host whose cache uses now as its clock.
func New(now func() time.Time) *Host {
	capture := &logCapture{}
	return &Host{
		logs:   capture,
		logger: slog.New(capture),
		cache:  pluginapi.NewMemCacheAt(now),
	}
}

// Script appends a scripted query result.
func (h *Host) Script(match string, rows []pluginapi.Row) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, QueryResult{Match: match, Rows: rows})
}

// ScriptErr appends a scripted query failure.
func (h *Host) ScriptErr(match string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, QueryResult{Match: match, Err: err})
}

// Query returns the first scripted result matching the SQL text.
func (h *Host) Query(_ context.Context, sql string, _ map[string]any) ([]pluginapi.Row, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queries = append(h.queries, sql)
	for _, r := range h.results {
		if r.Match == "" || strings.Contains(sql, r.Match) {
			return r.Rows, r.Err
		}
	}
	return nil, fmt.Errorf("hosttest: no scripted result for query %q", sql)
}

// WritePoints records the built lines.
func (h *Host) WritePoints(_ context.Context, db string, lines []*pluginapi.LineBuilder) error {
	built := make([]string, 0, len(lines))
	for _, lb := range lines {
		s, err := lb.Build()
		if err != nil {
			return err
		}
		built = append(built, s)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, Write{Database: db, Lines: built})
	return nil
}

// Log returns a logger whose records are captured.
func (h *Host) Log() *slog.Logger { return h.logger }

// Cache returns the in-memory cache.
func (h *Host) Cache() pluginapi.Cache { return h.cache }

// Queries returns the SQL texts executed so far.
func (h *Host) Queries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.queries...)
}

// Writes returns the recorded writes.
func (h *Host) Writes() []Write {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Write(nil), h.writes...)
}

// Lines flattens every recorded write into one slice of line protocol.
func (h *Host) Lines() []string {
	var out []string
	for _, w := range h.Writes() {
		out = append(out, w.Lines...)
	}
	return out
}

// LogMessages returns the captured log messages at or above level.
func (h *Host) LogMessages(level slog.Level) []string {
	return h.logs.messages(level)
}

type logRecord struct {
	level slog.Level
	msg   string
}

// logCapture is a slog.Handler that stores records in memory.
type logCapture struct {
	mu      sync.Mutex
	records []logRecord
}

func (c *logCapture) Enabled(context.Context, slog.Level) bool { return true }

func (c *logCapture) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, logRecord{level: r.Level, msg: r.Message})
	return nil
}

func (c *logCapture) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *logCapture) WithGroup(string) slog.Handler      { return c }

func (c *logCapture) messages(level slog.Level) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, r := range c.records {
		if r.level >= level {
			out = append(out, r.msg)
		}
	}
	return out
}
