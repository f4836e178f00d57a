// Package notifier presents pending suggestions to the user.
//
// The Presenter is declarative: given the current PENDING set it computes
// the notifications that should be visible, diffs them against the ledger
// of what is visible now, and shows, updates or retracts accordingly.
// One pending suggestion yields a detailed notification with accept and
// reject actions; several collapse into one aggregate under a fixed id.
//
// Delivery goes through a Surface (Telegram or the log) with rate limiting
// and retry with jittered exponential backoff.
package notifier
