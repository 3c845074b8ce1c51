// Package store holds the job table, the one piece of shared mutable state.
//
// Three implementations share the Table contract:
//   - Memory: process-local map, used by tests and one-shot runs
//   - SQLite: single-file database for the CLI, so status, result, proof
//     and retry work across invocations
//   - Postgres: shared table for multi-process deployments
//
// # Contract
//
//   - Get returns a copy. Mutating it never changes stored state.
//   - Update is an atomic read-modify-write of one row. If fn returns an
//     error nothing is written.
//   - DeleteExpired removes only terminal jobs past expires_at. It exists
//     for storage reclamation; reads never depend on it because expiry is
//     derived from expires_at at read time.
//
// # SQLite configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
//   - one open connection, so Update transactions serialize
package store
