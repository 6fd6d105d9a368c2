package asyncqueue

import (
	"context"

	"asyncq/internal/eventbus"
	logx "asyncq/pkg/logx"
)

// worker is the only goroutine that runs operations.
func (q *Queue) worker(ctx context.Context) error {
	for {
		e, err := q.sched.PopBlocking(ctx)
		if err != nil {
			// Context canceled by Close.
			return nil
		}
		if ctx.Err() != nil {
			// Close raced with the pop: put the entry back so it is discarded
			// with the rest instead of starting after shutdown began.
			q.sched.Push(e, e.due)
			return nil
		}
		q.run(e)
	}
}

func (q *Queue) run(e entry) {
	q.running.Store(e.id)
	q.statuses.setLive(e.id, StatusRunning)

	start := q.now()
	lag := start.Sub(e.due)
	if lag < 0 {
		lag = 0
	}

	// No recover here: a panic ends the worker (see onWorkerPanic).
	e.fn()

	dur := q.now().Sub(start)
	q.running.Store(0)
	q.statuses.finish(e.id, StatusExecuted)
	q.executed.Add(1)

	if q.log.Enabled(logx.LevelDebug) {
		q.log.Debug("operation executed", logx.Uint64("id", e.id), logx.Duration("lag", lag), logx.Duration("took", dur))
	}
	q.publish(eventbus.TypeExecuted, eventbus.OpEvent{Queue: q.name, ID: e.id, Due: e.due, Started: start, Lag: lag, Duration: dur})
}

// onWorkerPanic runs on the worker goroutine after the supervisor recovered
// an operation's panic. The worker is already unwinding and will not resume.
func (q *Queue) onWorkerPanic(_ string, p any, stack []byte) {
	id := q.running.Swap(0)
	pe := &PayloadPanicError{ID: id, Value: p, Stack: stack}
	q.failure.Store(pe)

	q.mu.Lock()
	if q.State() == StateRunning {
		q.state.Store(int32(StateFailed))
	}
	q.mu.Unlock()

	if id != 0 {
		q.statuses.finish(id, StatusFailed)
	}
	q.log.Error("worker terminated by panicking operation",
		logx.Uint64("id", id),
		logx.Any("panic", p),
		logx.Int("pending", q.sched.Len()),
	)
	q.publish(eventbus.TypeFailed, eventbus.OpEvent{Queue: q.name, ID: id, Error: pe.Error()})

	if q.cfg.PanicOnFailure {
		panic(p)
	}
}
