package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

const cacheTTL = time.Hour

// numericFieldsQuery lists columns whose catalog type is one of the numeric
// field types. Tag columns surface as dictionary-encoded strings instead.
const numericFieldsQuery = `
	SELECT column_name
	FROM information_schema.columns
	WHERE table_name = $measurement
	AND data_type IN ('Int64', 'Float64', 'UInt64')
`

const tagsQuery = `
	SELECT column_name
	FROM information_schema.columns
	WHERE table_name = $measurement
	AND data_type = 'Dictionary(Int32, Utf8)'
`

// NumericFields returns the aggregatable (numeric) field names of
// measurement. An empty result is an error: downsampling and checks need at
// least one numeric field to act on.
func NumericFields(ctx context.Context, api pluginapi.HostAPI, measurement string) ([]string, error) {
	key := "schema:" + measurement + ":fields"
	if v, ok := api.Cache().Get(key); ok {
		return v.([]string), nil
	}

	rows, err := api.Query(ctx, numericFieldsQuery, map[string]any{"measurement": measurement})
	if err != nil {
		return nil, fmt.Errorf("query fields for %q: %w", measurement, err)
	}
	names := columnNames(rows)
	if len(names) == 0 {
		return nil, fmt.Errorf("no aggregatable fields found for measurement %q", measurement)
	}

	api.Cache().PutTTL(key, names, cacheTTL)
	return names, nil
}

const allFieldsQuery = `
	SELECT column_name
	FROM information_schema.columns
	WHERE table_name = $measurement
	AND data_type != 'Dictionary(Int32, Utf8)'
`

// Fields returns every field column of measurement, numeric or not. The time
// column is filtered out.
func Fields(ctx context.Context, api pluginapi.HostAPI, measurement string) ([]string, error) {
	key := "schema:" + measurement + ":all_fields"
	if v, ok := api.Cache().Get(key); ok {
		return v.([]string), nil
	}

	rows, err := api.Query(ctx, allFieldsQuery, map[string]any{"measurement": measurement})
	if err != nil {
		return nil, fmt.Errorf("query fields for %q: %w", measurement, err)
	}
	var names []string
	for _, n := range columnNames(rows) {
		if n != "time" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no fields found for measurement %q", measurement)
	}

	api.Cache().PutTTL(key, names, cacheTTL)
	return names, nil
}

// Tags returns the tag column names of measurement. A measurement without
// tags returns an empty slice, not an error.
func Tags(ctx context.Context, api pluginapi.HostAPI, measurement string) ([]string, error) {
	key := "schema:" + measurement + ":tags"
	if v, ok := api.Cache().Get(key); ok {
		return v.([]string), nil
	}

	rows, err := api.Query(ctx, tagsQuery, map[string]any{"measurement": measurement})
	if err != nil {
		return nil, fmt.Errorf("query tags for %q: %w", measurement, err)
	}
	names := columnNames(rows)

	api.Cache().PutTTL(key, names, cacheTTL)
	return names, nil
}

// Tables returns the base table names of the database.
func Tables(ctx context.Context, api pluginapi.HostAPI) ([]string, error) {
	rows, err := api.Query(ctx, "SHOW TABLES", nil)
	if err != nil {
		return nil, fmt.Errorf("show tables: %w", err)
	}
	var names []string
	for _, row := range rows {
		if t, _ := row["table_type"].(string); t != "BASE TABLE" {
			continue
		}
		if name, ok := row["table_name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// TableExists reports whether measurement is a base table.
func TableExists(ctx context.Context, api pluginapi.HostAPI, measurement string) (bool, error) {
	tables, err := Tables(ctx, api)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t == measurement {
			return true, nil
		}
	}
	return false, nil
}

func columnNames(rows []pluginapi.Row) []string {
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if name, ok := row["column_name"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}
