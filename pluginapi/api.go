package pluginapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Row is a single query result row, keyed by column name.
type Row = map[string]any

// TableBatch is the set of rows flushed to one table in a single WAL flush.
// Write-trigger plugins receive one batch per table touched by the flush.
type TableBatch struct {
	TableName string
	Rows      []Row
}

// HostAPI is the interface the host runtime hands to every plugin callback.
// It corresponds to the influxdb3_local object in the engine's docs.
type HostAPI interface {
	// Query runs a SQL query against the trigger's database. params values
	// are substituted for $name placeholders in the query text.
	Query(ctx context.Context, sql string, params map[string]any) ([]Row, error)

	// WritePoints writes the given lines to db. An empty db means the
	// trigger's default database.
	WritePoints(ctx context.Context, db string, lines []*LineBuilder) error

	// Log returns the task-scoped logger. The host attaches the task ID so
	// plugins log with plain keys.
	Log() *slog.Logger

	// Cache returns the host cache shared across invocations of the same
	// trigger. Entries survive between callbacks but not host restarts.
	Cache() Cache
}

// Request carries an HTTP trigger invocation to an HTTPPlugin.
type Request struct {
	QueryParams url.Values
	Headers     http.Header
	Body        []byte
}

// Response is returned by an HTTPPlugin and serialized as JSON by the host.
type Response struct {
	StatusCode int
	Body       any
}

// ScheduledPlugin is implemented by plugins bound to an every:<interval>
// trigger. callTime is the tick the host scheduled, in UTC.
type ScheduledPlugin interface {
	ProcessScheduledCall(ctx context.Context, api HostAPI, callTime time.Time, args Args) error
}

// WritePlugin is implemented by plugins bound to a table:<name> or all-tables
// trigger, invoked once per WAL flush with the flushed rows.
type WritePlugin interface {
	ProcessWrites(ctx context.Context, api HostAPI, batches []TableBatch, args Args) error
}

// HTTPPlugin is implemented by plugins bound to a request:<path> trigger.
type HTTPPlugin interface {
	ProcessRequest(ctx context.Context, api HostAPI, req *Request, args Args) (*Response, error)
}
