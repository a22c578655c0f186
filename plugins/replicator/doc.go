// Package replicator mirrors local writes to a remote InfluxDB instance.
// Rows are converted to line protocol with optional table renames, field
// renames and exclusions, then shipped through the remote's v1 compatibility
// write API. Lines that cannot be delivered stay in a durable on-disk queue
// and are retried on later invocations.
package replicator
