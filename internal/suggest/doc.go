// Package suggest holds planbot's domain model: goals, candidate
// suggestions produced by an engine, persisted suggestions with their
// status machine, user actions and the business-key policy used to
// deduplicate candidates across cycles.
package suggest
