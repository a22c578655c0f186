// Package forecasteval monitors forecast model quality. On each scheduled
// run it queries a forecast and an actual measurement over a trailing window,
// aligns the two series on timestamp and tag values, computes a per-point
// error metric, and alerts through the notifier plugin when the error stays
// above a threshold for a minimum duration.
package forecasteval
