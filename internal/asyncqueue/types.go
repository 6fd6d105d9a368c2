package asyncqueue

import (
	"time"

	rtsup "asyncq/internal/runtime/supervisor"
)

// Config controls a Queue.
type Config struct {
	// Name labels logs and events. Defaults to a random UUID.
	Name string

	// HistorySize bounds how many finished operation ids Status remembers.
	// Default 1024.
	HistorySize int

	// RejectLogRate is the maximum number of "submission rejected" warnings
	// logged per second. Default 1. Negative disables the warnings.
	RejectLogRate float64

	// PanicOnFailure re-raises an operation's panic after it has been recorded,
	// crashing the process instead of only terminating the worker.
	PanicOnFailure bool

	// Clock is the time source for due times. Defaults to time.Now.
	// Entries are ordered by due time first, so submission order among
	// immediate operations only holds while Clock never goes backwards.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 1024
	}
	if c.RejectLogRate == 0 {
		c.RejectLogRate = 1
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// State is the lifecycle state of a Queue.
type State int32

const (
	StateRunning State = iota
	// StateFailed means an operation panicked and the worker is gone.
	StateFailed
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is what the queue knows about one operation id.
type Status int

const (
	// StatusUnknown: never issued, or finished long enough ago to be forgotten.
	StatusUnknown Status = iota
	StatusPending
	StatusRunning
	StatusExecuted
	StatusCancelled
	// StatusDiscarded: still pending when the queue closed.
	StatusDiscarded
	// StatusFailed: the operation panicked.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusExecuted:
		return "executed"
	case StatusCancelled:
		return "cancelled"
	case StatusDiscarded:
		return "discarded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Name    string
	State   State
	Pending int
	NextDue time.Time // zero when nothing is pending
	Running uint64    // id of the in-flight operation, 0 if idle

	Submitted uint64
	Executed  uint64
	Cancelled uint64
	Discarded uint64
	Rejected  uint64

	LastID uint64
	Error  string

	Worker rtsup.SupervisorSnapshot
}

type entry struct {
	id  uint64
	fn  func()
	due time.Time
}
