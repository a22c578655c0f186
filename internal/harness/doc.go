// Package harness runs plugins locally against a live InfluxDB 3 server.
// It is a development shim, not the processing engine: queries and writes go
// through the server's HTTP API, triggers run on tickers or HTTP routes, and
// each run is reported on the run feed.
package harness
