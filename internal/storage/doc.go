// Package storage persists owner state (settings, jobs, exclusion rules)
// and keeps the captured message archive that digests are built from.
//
// Owner state drivers:
//   - file: one JSON snapshot per owner
//   - sqlite: a single SQLite database (pure Go driver)
//   - surrealdb: a remote SurrealDB instance
package storage
