// Package storage is the durable record of jobs and their runs.
//
// Two drivers share one SQL implementation (sqlx + Rebind):
//   - "sqlite": a local database file (modernc.org/sqlite, no cgo)
//   - "postgres": a PostgreSQL server (lib/pq)
//
// Every write is a single statement or a single transaction, so a read that
// follows a write from the same process observes it.
package storage
