// Package lifecycle runs the suggestion check cycle and applies user
// accept/reject actions.
//
// A cycle is armed once per day under a fixed alarm key and at most one
// cycle runs at a time; a fire that arrives while a cycle is in flight is
// coalesced and the running cycle's re-arm decides the next wake-up. Every
// cycle re-arms on exit, whatever happened inside it.
//
// Status changes are compare-and-swap transitions out of PENDING, taken
// under a per-suggestion lock. The external commit of an accept runs only
// for the caller that won the transition, after the lock is released.
package lifecycle
