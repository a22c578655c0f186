// Package statechange watches fields for state changes. The write trigger
// alerts when a field holds a target value for N consecutive points or for a
// continuous duration, suppressing alerts while the recent history flips too
// often. The scheduled trigger re-queries a trailing window and alerts when a
// field changed value more than a configured number of times per series.
package statechange
