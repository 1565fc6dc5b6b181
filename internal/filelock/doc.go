// Package filelock serializes work on named resources within one process.
//
// Each name is an independent mutex with a FIFO wait queue. Releasing a held
// lock hands it straight to the oldest waiter, so a late arrival can never
// barge ahead of goroutines already queued. Waits honor context cancellation.
//
// The host registry uses the name "hosts" to keep check-then-insert sequences
// atomic across concurrent peer exchanges and manual edits.
//
// Locks are not shared across processes or hosts.
package filelock
