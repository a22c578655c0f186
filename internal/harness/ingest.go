package harness

import (
	"fmt"
	"sort"

	"github.com/influxdata/influxdb1-client/models"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// parseLineBatches parses line protocol into per-table batches, the shape
// write-trigger plugins receive. Tags and fields land in the same row map,
// mirroring what plugins see from the engine; the timestamp lands under
// "time" in nanoseconds.
func parseLineBatches(body []byte) ([]pluginapi.TableBatch, error) {
	points, err := models.ParsePoints(body)
	if err != nil {
		return nil, fmt.Errorf("parse line protocol: %w", err)
	}

	byTable := map[string][]pluginapi.Row{}
	for _, p := range points {
		row := pluginapi.Row{}
		for _, tag := range p.Tags() {
			row[string(tag.Key)] = string(tag.Value)
		}
		fields, err := p.Fields()
		if err != nil {
			return nil, fmt.Errorf("parse fields: %w", err)
		}
		for k, v := range fields {
			row[k] = v
		}
		row["time"] = p.Time().UnixNano()

		name := string(p.Name())
		byTable[name] = append(byTable[name], row)
	}

	names := make([]string, 0, len(byTable))
	for name := range byTable {
		names = append(names, name)
	}
	sort.Strings(names)

	batches := make([]pluginapi.TableBatch, 0, len(names))
	for _, name := range names {
		batches = append(batches, pluginapi.TableBatch{TableName: name, Rows: byTable[name]})
	}
	return batches, nil
}
