package replicator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/peterbarnett03/influxdb3-plugins/internal/schema"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

const defaultMaxSizeMB = 1024

// backoffMin is a variable so tests can shrink the retry delay.
var backoffMin = time.Second

// Plugin implements the write and scheduled triggers.
type Plugin struct {
	Now func() time.Time
	// Remote overrides the InfluxDB client, for tests. When nil one is built
	// from the trigger arguments.
	Remote RemoteWriter
	// Dir is the queue directory. Empty means the PLUGIN_DIR environment
	// variable.
	Dir string
}

func New() *Plugin {
	return &Plugin{Now: time.Now}
}

func (p *Plugin) queueDir() string {
	if p.Dir != "" {
		return p.Dir
	}
	if dir := os.Getenv("PLUGIN_DIR"); dir != "" {
		return dir
	}
	return "."
}

func (p *Plugin) remote(args pluginapi.Args) (RemoteWriter, error) {
	if p.Remote != nil {
		return p.Remote, nil
	}
	return newRemote(
		args.String("host", ""),
		args.String("token", ""),
		args.String("database", ""),
		args.Bool("verify_ssl", true),
	)
}

func requireArgs(args pluginapi.Args, keys ...string) error {
	for _, key := range keys {
		if !args.Has(key) {
			return fmt.Errorf("missing some of the required arguments: %s", strings.Join(keys, ", "))
		}
	}
	return nil
}

// ProcessWrites converts incoming rows to line protocol, appends them to the
// write queue and flushes the queue to the remote instance.
func (p *Plugin) ProcessWrites(ctx context.Context, api pluginapi.HostAPI, batches []pluginapi.TableBatch, args pluginapi.Args) error {
	log := api.Log()

	args, _, err := args.LoadOverride()
	if err != nil {
		log.Error("failed to read args file", "err", err)
		return err
	}
	if err := requireArgs(args, "host", "token", "database", "unique_file_suffix"); err != nil {
		log.Error("invalid configuration", "err", err)
		return err
	}

	exclusions, err := parseWriteExclusions(args.String("excluded_fields", ""))
	if err != nil {
		log.Error("invalid excluded_fields", "err", err)
		return err
	}
	tableRenames, err := parseTableRenames(args.String("tables_rename", ""))
	if err != nil {
		log.Error("invalid tables_rename", "err", err)
		return err
	}
	fieldRenames, err := parseWriteFieldRenames(args.String("field_renames", ""))
	if err != nil {
		log.Error("invalid field_renames", "err", err)
		return err
	}

	var tables []string
	if args.Has("tables") {
		tables = strings.Split(args.String("tables", ""), " ")
	}
	includeTable := func(name string) bool {
		if len(tables) == 0 {
			return true
		}
		for _, t := range tables {
			if t == name {
				return true
			}
		}
		return false
	}

	remote, err := p.remote(args)
	if err != nil {
		log.Error("failed to initialize remote client", "err", err)
		return err
	}

	var lines []string
	for _, batch := range batches {
		if !includeTable(batch.TableName) {
			continue
		}
		tagNames, err := schema.Tags(ctx, api, batch.TableName)
		if err != nil {
			return err
		}
		target := batch.TableName
		if renamed, ok := tableRenames[batch.TableName]; ok {
			target = renamed
		}
		for _, row := range batch.Rows {
			line, ok := rowToLine(target, row, exclusions[batch.TableName], fieldRenames[batch.TableName], tagNames)
			if !ok {
				log.Info("skipping row without fields", "table", batch.TableName)
				continue
			}
			lines = append(lines, line)
		}
	}

	q := newQueue(p.queueDir(), "edr_queue_writes_"+args.String("unique_file_suffix", "")+".lp", args.Int("max_size", defaultMaxSizeMB))
	if len(lines) > 0 {
		if err := q.append(lines); err != nil {
			log.Error("failed to queue lines", "err", err)
			return err
		}
		log.Info("queued lines for replication", "count", len(lines))
	}

	return p.flush(ctx, api, q, remote, args.Int("max_retries", 3))
}

// ProcessScheduledCall re-queries a trailing window of the source measurement
// and replicates it, using the same queue-then-flush path as the write
// trigger.
func (p *Plugin) ProcessScheduledCall(ctx context.Context, api pluginapi.HostAPI, callTime time.Time, args pluginapi.Args) error {
	log := api.Log()

	args, _, err := args.LoadOverride()
	if err != nil {
		log.Error("failed to read args file", "err", err)
		return err
	}
	if err := requireArgs(args, "host", "token", "database", "window", "source_measurement", "unique_file_suffix"); err != nil {
		log.Error("invalid configuration", "err", err)
		return err
	}

	measurement := args.String("source_measurement", "")
	exists, err := schema.TableExists(ctx, api, measurement)
	if err != nil {
		return err
	}
	if !exists {
		err := fmt.Errorf("measurement %q not found", measurement)
		log.Error("invalid configuration", "err", err)
		return err
	}

	window, err := pluginapi.ParseDuration(args.String("window", ""))
	if err != nil {
		log.Error("invalid window", "err", err)
		return err
	}
	var offset time.Duration
	if args.Has("offset") {
		offset, err = pluginapi.ParseDuration(args.String("offset", ""))
		if err != nil {
			log.Error("invalid offset", "err", err)
			return err
		}
	}
	excluded := parseScheduleExclusions(args.String("excluded_fields", ""))
	fieldRenames, err := parseScheduleFieldRenames(args.String("field_renames", ""))
	if err != nil {
		log.Error("invalid field_renames", "err", err)
		return err
	}
	target := args.String("target_table", measurement)

	remote, err := p.remote(args)
	if err != nil {
		log.Error("failed to initialize remote client", "err", err)
		return err
	}

	timeTo := callTime.UTC().Add(-offset)
	timeFrom := timeTo.Add(-window)
	query := fmt.Sprintf(`SELECT *
FROM "%s"
WHERE time >= '%s'
AND time < '%s'`,
		measurement,
		timeFrom.Format("2006-01-02T15:04:05Z"),
		timeTo.Format("2006-01-02T15:04:05Z"),
	)

	rows, err := api.Query(ctx, query, nil)
	if err != nil {
		log.Error("window query failed", "err", err)
		return err
	}
	tagNames, err := schema.Tags(ctx, api, measurement)
	if err != nil {
		return err
	}

	var lines []string
	for _, row := range rows {
		line, ok := rowToLine(target, row, excluded, fieldRenames, tagNames)
		if !ok {
			log.Info("skipping row without fields", "table", measurement)
			continue
		}
		lines = append(lines, line)
	}

	q := newQueue(p.queueDir(), "edr_queue_schedule_"+args.String("unique_file_suffix", "")+".lp", args.Int("max_size", defaultMaxSizeMB))
	if len(lines) > 0 {
		if err := q.append(lines); err != nil {
			log.Error("failed to queue lines", "err", err)
			return err
		}
		log.Info("queued lines for replication", "count", len(lines))
	}

	return p.flush(ctx, api, q, remote, args.Int("max_retries", 3))
}

// flush ships every queued line to the remote with bounded retry. On success
// the flushed snapshot is dropped from the queue; on failure the queue is
// left intact for the next invocation.
func (p *Plugin) flush(ctx context.Context, api pluginapi.HostAPI, q *queue, remote RemoteWriter, maxRetries int) error {
	log := api.Log()
	if maxRetries < 1 {
		maxRetries = 1
	}

	queued, err := q.read()
	if err != nil {
		log.Error("failed to read queue", "err", err)
		return err
	}
	if len(queued) == 0 {
		log.Info("no data to replicate")
		return nil
	}

	b := &backoff.Backoff{Min: backoffMin, Max: time.Minute, Factor: 2, Jitter: true}
	for attempt := 1; ; attempt++ {
		err := remote.Write(queued)
		if err == nil {
			log.Info("replicated lines to remote instance", "count", len(queued))
			return q.truncate(len(queued))
		}
		if attempt == maxRetries {
			log.Error("max retries reached, data remains in queue",
				"attempts", attempt, "queued", len(queued), "err", err)
			return fmt.Errorf("replication failed after %d attempts: %w", attempt, err)
		}
		log.Warn("replication attempt failed", "attempt", attempt, "max_retries", maxRetries, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}
