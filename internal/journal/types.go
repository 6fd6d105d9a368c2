package journal

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("journal: store closed")

// Config configures the journal.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain bounds the number of records kept; 0 keeps everything.
	Retain int
}

// Kind is what happened to an operation.
type Kind string

const (
	KindExecuted  Kind = "executed"
	KindCancelled Kind = "cancelled"
	KindDiscarded Kind = "discarded"
	KindFailed    Kind = "failed"
)

// Record is one journal line. Keep it compact and schema-stable.
type Record struct {
	At        time.Time     `json:"at"`
	QueueName string        `json:"queue"`
	OpID      uint64        `json:"op_id"`
	Kind      Kind          `json:"kind"`
	Due       time.Time     `json:"due,omitzero"`
	Lag       time.Duration `json:"lag,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Store is the persistence API used by the Recorder.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to n of the newest records, oldest first.
	Recent(ctx context.Context, n int) ([]Record, error)
	Close() error
}
