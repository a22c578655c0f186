// Package pluginapi defines the contract between the InfluxDB 3 host runtime
// and a plugin: the host API handed to every callback, the three trigger
// callback interfaces, and the supporting types plugins build on (line
// protocol builder, TTL cache, argument parsing).
//
// The host side of this contract (query execution, WAL processing, trigger
// dispatch) lives in the InfluxDB 3 server. This package only describes what
// a plugin may call; the harness in internal/harness provides a development
// implementation backed by the server's HTTP API.
package pluginapi
