// Package sysmetrics collects host metrics on a schedule and writes them as
// system_cpu, system_memory, system_disk and system_network measurements
// tagged by host. The metrics come from a Prometheus exposition endpoint in
// the node exporter's naming scheme, so the plugin works against any host
// that already exposes one.
package sysmetrics
