// Package journal persists a history of what queues did with their operations.
//
// It supports:
//   - an append-only JSON Lines file (driver "file")
//   - a SQLite database through modernc.org/sqlite (driver "sqlite")
//
// A Recorder turns event bus traffic into journal records on its own
// goroutine, so the queue worker never waits on disk.
package journal
