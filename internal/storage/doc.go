// Package storage persists terminal task outcomes (completed, failed,
// timed out, cancelled, shed) so they can be inspected after the fact.
//
// Two drivers exist:
//   - "file": append-only JSON Lines journal with an in-memory tail
//   - "sqlite": SQLite database file (build tag sqlite)
package storage
