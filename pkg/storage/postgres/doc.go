// Package postgres implements the billing, dispatch and settlement stores on
// PostgreSQL through database/sql and lib/pq.
//
// Writes and account transactions always use the primary. Previews, queue
// statistics and diagnostics read through ConnectionManager.Replica, which
// falls back to the primary when no replica is configured.
//
// Migrate applies the embedded migrations/*.up.sql files in order and records
// each version in schema_migrations.
package postgres
