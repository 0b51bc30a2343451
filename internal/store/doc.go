// Package store provides the SQLite-backed durable ledger backend.
//
// One table, ledger_entries, holds the hash chain:
//   - sequence INTEGER PRIMARY KEY: the global, gapless sequence
//   - entry_hash UNIQUE: content address of the entry
//   - attrs: RFC 8785 canonical JSON of the entry attributes
//
// # Critical Patterns
//
// Conditional append
//   - the first entry of a batch is inserted only if the table head still
//     has sequence-1 and the expected prev_hash; otherwise the insert affects
//     no rows and the ledger retries against the new head
//
// Immutability
//   - BEFORE UPDATE and BEFORE DELETE triggers abort every mutation
//
// Deterministic query results
//   - every query ends in ORDER BY sequence
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
