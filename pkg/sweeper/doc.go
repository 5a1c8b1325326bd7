// Package sweeper runs the periodic maintenance tasks: offline agent
// detection, stale assignment expiry, session cleanup and TOTP replay
// cache pruning. All sweeps are idempotent and compete for the store
// writer as equal peers with request handlers.
package sweeper
