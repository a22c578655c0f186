package downsampler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// buildQuery assembles the downsampling SQL for one time slice: DATE_BIN
// buckets with record_count/time_from/time_to bookkeeping columns, one
// aggregate per configured field named "<field>_<agg>", grouped by bucket and
// tags.
func buildQuery(fields []FieldAggregation, measurement string, tags []string, interval pluginapi.Interval, tagValues map[string][]string, start, end time.Time) string {
	var sel strings.Builder
	fmt.Fprintf(&sel, "DATE_BIN(INTERVAL '%s', time, '1970-01-01T00:00:00Z') AS _time,\n", interval)
	sel.WriteString("\tcount(*) AS record_count,\n")
	sel.WriteString("\tMIN(time) AS time_from,\n")
	sel.WriteString("\tMAX(time) AS time_to")
	for _, f := range fields {
		fmt.Fprintf(&sel, ",\n\t%s(\"%s\") AS \"%s_%s\"", f.Aggregation, f.Field, f.Field, f.Aggregation)
	}
	for _, tag := range tags {
		fmt.Fprintf(&sel, ",\n\t\"%s\"", tag)
	}

	groupBy := "_time"
	for _, tag := range tags {
		groupBy += ", " + tag
	}

	var filter strings.Builder
	for _, tag := range sortedKeys(tagValues) {
		values := tagValues[tag]
		if len(values) == 1 {
			fmt.Fprintf(&filter, "AND \"%s\" = '%s'\n", tag, values[0])
		} else {
			quoted := make([]string, len(values))
			for i, v := range values {
				quoted[i] = "'" + v + "'"
			}
			fmt.Fprintf(&filter, "AND \"%s\" IN (%s)\n", tag, strings.Join(quoted, ", "))
		}
	}

	return fmt.Sprintf(`SELECT
	%s
FROM '%s'
WHERE time >= '%s'
AND time < '%s'
%sGROUP BY %s`,
		sel.String(),
		measurement,
		start.UTC().Format("2006-01-02T15:04:05Z"),
		end.UTC().Format("2006-01-02T15:04:05Z"),
		filter.String(),
		groupBy,
	)
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
