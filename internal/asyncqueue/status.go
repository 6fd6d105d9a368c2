package asyncqueue

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// statusTable tracks live (pending/running) ids exactly and remembers a
// bounded number of finished ids.
type statusTable struct {
	mu       sync.Mutex
	live     map[uint64]Status
	finished *lru.Cache[uint64, Status]
}

func newStatusTable(size int) *statusTable {
	finished, err := lru.New[uint64, Status](size)
	if err != nil {
		// Only possible with size <= 0, which Config.withDefaults rules out.
		panic(err)
	}
	return &statusTable{
		live:     make(map[uint64]Status),
		finished: finished,
	}
}

func (t *statusTable) setLive(id uint64, st Status) {
	t.mu.Lock()
	t.live[id] = st
	t.mu.Unlock()
}

func (t *statusTable) finish(id uint64, st Status) {
	t.mu.Lock()
	delete(t.live, id)
	t.finished.Add(id, st)
	t.mu.Unlock()
}

func (t *statusTable) get(id uint64) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.live[id]; ok {
		return st
	}
	if st, ok := t.finished.Peek(id); ok {
		return st
	}
	return StatusUnknown
}
