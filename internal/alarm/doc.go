// Package alarm provides keyed one-shot wake-ups and the daily fire-time
// calculation used by the check cycle.
//
// Arming a key that is already armed replaces the pending wake-up, so at
// most one alarm per key is ever outstanding. Fire detection compares
// wall-clock time on a bounded poll, which keeps a wake-up accurate after
// the host was suspended past its due time.
package alarm
