// Package runfeed streams plugin run summaries to WebSocket clients. The
// harness publishes one record per trigger invocation; connected clients get
// recent history on connect and live records as runs finish.
package runfeed
