package schedule

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Option configures a Schedule.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used by PopBlocking to decide whether the
// earliest entry is due. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

type scheduled[T any] struct {
	value T
	due   time.Time
}

// Schedule is a time-ordered container safe for concurrent use.
//
// Invariant: entries are sorted non-decreasingly by due time, and entries
// with equal due times keep insertion order.
type Schedule[T any] struct {
	mu      sync.Mutex
	entries []scheduled[T]

	// wake holds at most one pending signal; a Push hands it to one parked
	// PopBlocking caller.
	wake chan struct{}
	now  func() time.Time
}

func New[T any](opts ...Option) *Schedule[T] {
	o := options{now: time.Now}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return &Schedule[T]{
		wake: make(chan struct{}, 1),
		now:  o.now,
	}
}

// Push inserts value after every entry due at or before due.
func (s *Schedule[T]) Push(value T, due time.Time) {
	s.mu.Lock()
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].due.After(due)
	})
	s.entries = slices.Insert(s.entries, i, scheduled[T]{value: value, due: due})
	s.mu.Unlock()

	s.signal()
}

// PopIfDue removes and returns the earliest entry if it is due at now.
func (s *Schedule[T]) PopIfDue(now time.Time) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasDueLocked(now) {
		return s.popLocked(0), true
	}
	var zero T
	return zero, false
}

// PopIf removes and returns the first entry, in due order, whose value
// satisfies pred. A nil pred is a programming error.
func (s *Schedule[T]) PopIf(pred func(T) bool) (T, bool) {
	if pred == nil {
		panic("schedule: PopIf called with nil predicate")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if pred(s.entries[i].value) {
			return s.popLocked(i), true
		}
	}
	var zero T
	return zero, false
}

// PopBlocking waits until the earliest entry is due, then removes and
// returns it. A Push of an earlier entry while waiting re-arms the wait.
// It returns ctx.Err() if ctx ends first.
func (s *Schedule[T]) PopBlocking(ctx context.Context) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		now := s.now()
		if s.hasDueLocked(now) {
			v := s.popLocked(0)
			more := len(s.entries) > 0
			s.mu.Unlock()
			if more {
				// Let any other parked caller re-evaluate the new front.
				s.signal()
			}
			return v, nil
		}

		var expired <-chan time.Time
		if len(s.entries) > 0 {
			timer.Reset(s.entries[0].due.Sub(now))
			expired = timer.C
		}
		s.mu.Unlock()

		// Every wake re-checks due-ness under the lock, so spurious or stale
		// signals only cost one extra iteration.
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.wake:
		case <-expired:
		}
		timer.Stop()
	}
}

// Len returns the number of stored entries.
func (s *Schedule[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextDue returns the due time of the earliest entry.
func (s *Schedule[T]) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return time.Time{}, false
	}
	return s.entries[0].due, true
}

// Drain removes every entry and returns the values in due order.
func (s *Schedule[T]) Drain() []T {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	out := make([]T, len(entries))
	for i := range entries {
		out[i] = entries[i].value
	}
	return out
}

func (s *Schedule[T]) hasDueLocked(now time.Time) bool {
	return len(s.entries) > 0 && !now.Before(s.entries[0].due)
}

func (s *Schedule[T]) popLocked(i int) T {
	v := s.entries[i].value
	// slices.Delete zeroes the vacated tail slot, so popped values are not retained.
	s.entries = slices.Delete(s.entries, i, i+1)
	return v
}

func (s *Schedule[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
