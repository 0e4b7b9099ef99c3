// Package storage persists the daemon's small amount of durable state.
//
// It currently supports:
//   - An append-only journal of finished jobs (completed or failed)
//   - Notification dedup deadlines, so a restart does not resend alerts
//
// The progress table itself is never restored from storage.
package storage
