// Package synclock implements the per-worker synchronization lock: a
// conditional update of the workers.synclock column followed by a verifying
// read. Contention is reported as false, never as an error.
package synclock
