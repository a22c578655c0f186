// Package hosttest provides an in-memory HostAPI implementation for plugin
// tests. Query results are scripted per SQL pattern, writes and log records
// are captured for assertions, and the cache runs on an injectable clock.
package hosttest
