package harness

import (
	"fmt"
	"sort"

	"github.com/peterbarnett03/influxdb3-plugins/plugins/downsampler"
	"github.com/peterbarnett03/influxdb3-plugins/plugins/forecasteval"
	"github.com/peterbarnett03/influxdb3-plugins/plugins/madcheck"
	"github.com/peterbarnett03/influxdb3-plugins/plugins/notifier"
	"github.com/peterbarnett03/influxdb3-plugins/plugins/replicator"
	"github.com/peterbarnett03/influxdb3-plugins/plugins/statechange"
	"github.com/peterbarnett03/influxdb3-plugins/plugins/sysmetrics"
	"github.com/peterbarnett03/influxdb3-plugins/plugins/thresholds"
	"github.com/peterbarnett03/influxdb3-plugins/plugins/transformer"
)

// registry maps plugin names to constructors. Each trigger gets its own
// plugin instance so plugins can hold per-trigger state.
var registry = map[string]func() any{
	"downsampler":  func() any { return downsampler.New() },
	"transformer":  func() any { return transformer.New() },
	"madcheck":     func() any { return madcheck.New() },
	"thresholds":   func() any { return thresholds.New() },
	"statechange":  func() any { return statechange.New() },
	"forecasteval": func() any { return forecasteval.New() },
	"replicator":   func() any { return replicator.New() },
	"sysmetrics":   func() any { return sysmetrics.New() },
	"notifier":     func() any { return notifier.New() },
}

// KnownPlugin reports whether name is registered.
func KnownPlugin(name string) bool {
	_, ok := registry[name]
	return ok
}

// NewPlugin constructs a fresh instance of the named plugin.
func NewPlugin(name string) (any, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q (known: %v)", name, PluginNames())
	}
	return ctor(), nil
}

// PluginNames returns the registered plugin names, sorted.
func PluginNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
