package journal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"asyncq/internal/eventbus"
	logx "asyncq/pkg/logx"
)

// Recorder copies queue events from a bus into a Store.
type Recorder struct {
	store  Store
	bus    eventbus.Bus
	log    logx.Logger
	buffer int

	written atomic.Uint64
	failed  atomic.Uint64
}

// RecorderStats is a diagnostic view of a Recorder.
type RecorderStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store:  store,
		bus:    bus,
		log:    log.With(logx.String("comp", "journal")),
		buffer: 256,
	}
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{Written: r.written.Load(), Failed: r.failed.Load()}
}

// Run subscribes to the bus and appends records until ctx ends. It returns
// an error when the store rejects a write so a supervisor can restart it.
// On shutdown, events already buffered are flushed before returning.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(r.buffer)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return r.flush(ch)
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.write(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (r *Recorder) flush(ch <-chan eventbus.Event) error {
	fctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.write(fctx, ev); err != nil {
				r.log.Warn("journal flush stopped", logx.Err(err))
				return nil
			}
		default:
			return nil
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev eventbus.Event) error {
	for _, rec := range recordsFor(ev) {
		if err := r.store.Append(ctx, rec); err != nil {
			r.failed.Add(1)
			return fmt.Errorf("journal append %s #%d: %w", rec.Kind, rec.OpID, err)
		}
		r.written.Add(1)
	}
	return nil
}

// recordsFor maps one bus event to zero or more records. Submissions are
// not journaled; a closed queue yields one record per discarded operation.
func recordsFor(ev eventbus.Event) []Record {
	switch d := ev.Data.(type) {
	case eventbus.OpEvent:
		var kind Kind
		switch ev.Type {
		case eventbus.TypeExecuted:
			kind = KindExecuted
		case eventbus.TypeCancelled:
			kind = KindCancelled
		case eventbus.TypeFailed:
			kind = KindFailed
		default:
			return nil
		}
		return []Record{{
			At:        ev.Time,
			QueueName: d.Queue,
			OpID:      d.ID,
			Kind:      kind,
			Due:       d.Due,
			Lag:       d.Lag,
			Duration:  d.Duration,
			Error:     d.Error,
		}}
	case eventbus.QueueEvent:
		if ev.Type != eventbus.TypeQueueClosed {
			return nil
		}
		out := make([]Record, 0, len(d.Discarded))
		for _, id := range d.Discarded {
			out = append(out, Record{At: ev.Time, QueueName: d.Queue, OpID: id, Kind: KindDiscarded})
		}
		return out
	}
	return nil
}
