// Package thresholds alerts on threshold breaches and missing data. The write
// trigger evaluates per-row field conditions as points arrive; the scheduled
// trigger aggregates a trailing window and additionally supports a deadman
// check that fires when the window comes back empty. Alerts go through the
// notifier plugin after trigger_count consecutive matches.
package thresholds
