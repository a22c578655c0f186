// Package influxhttp is a small client for the InfluxDB 3 HTTP API. The
// harness uses it to run SQL, write line protocol and manage databases and
// processing-engine triggers on a live server.
package influxhttp
