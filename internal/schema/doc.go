// Package schema discovers measurement structure through the SQL catalog.
// Results are held in the host cache for an hour so plugins invoked on every
// WAL flush do not hammer information_schema.
package schema
