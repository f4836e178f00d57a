// Package storage persists suggestions, the notification ledger, scheduler
// metadata and an append-only audit trail.
//
// Two drivers are available:
//   - "sqlite": a single database file (modernc.org/sqlite, no cgo)
//   - "file": JSON Lines journal plus periodic snapshot
//
// Both enforce the same contract: suggestion ids and business keys are
// unique, Insert is insert-if-absent and Transition is a compare-and-set on
// the current status.
package storage
