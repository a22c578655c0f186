// Package madcheck flags outliers in written data using the median absolute
// deviation over a sliding window of recent values, alerting through the
// notifier plugin when outliers persist.
package madcheck
