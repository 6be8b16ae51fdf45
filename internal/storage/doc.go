// Package storage implements posts.Store and posts.OptimizationStore.
//
// Drivers:
//   - memory: process-local maps, for tests and dry runs
//   - sqlite: single-file database (modernc.org/sqlite)
//   - postgres: shared database, claims use FOR UPDATE SKIP LOCKED
//
// Optimization records may live in redis instead of the post database.
package storage
