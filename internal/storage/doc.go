// Package storage persists detection history and notifier dedup state.
//
// Drivers:
//   - "file": JSON Lines history plus a dedup snapshot and journal
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
