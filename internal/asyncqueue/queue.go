package asyncqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"asyncq/internal/eventbus"
	rtsup "asyncq/internal/runtime/supervisor"
	"asyncq/internal/schedule"
	logx "asyncq/pkg/logx"
)

// Queue executes submitted operations on one worker goroutine in due order.
type Queue struct {
	cfg  Config
	name string
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time

	sched    *schedule.Schedule[entry]
	sup      *rtsup.Supervisor
	statuses *statusTable

	// mu orders state transitions against submissions: submitters hold it
	// shared from the state check through the push, so nothing is pushed after
	// Close has drained the schedule.
	mu    sync.RWMutex
	state atomic.Int32

	failure  atomic.Pointer[PayloadPanicError]
	closedCh chan struct{}

	lastID  atomic.Uint64
	running atomic.Uint64

	submitted atomic.Uint64
	executed  atomic.Uint64
	cancelled atomic.Uint64
	discarded atomic.Uint64
	rejected  atomic.Uint64

	rejectLimiter *rate.Limiter
}

// New creates a queue and starts its worker.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	cfg = cfg.withDefaults()
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = uuid.NewString()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("queue", name))

	q := &Queue{
		cfg:      cfg,
		name:     name,
		log:      log,
		bus:      bus,
		now:      cfg.Clock,
		sched:    schedule.New[entry](schedule.WithClock(cfg.Clock)),
		statuses: newStatusTable(cfg.HistorySize),
		closedCh: make(chan struct{}),
	}
	if cfg.RejectLogRate > 0 {
		q.rejectLimiter = rate.NewLimiter(rate.Limit(cfg.RejectLogRate), 1)
	}

	q.sup = rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(log),
		rtsup.WithPanicHandler(q.onWorkerPanic),
	)
	// The worker is never restarted: a panicking operation ends it for good.
	q.sup.Go("dispatch", q.worker)

	log.Debug("queue started")
	return q
}

// Name returns the queue's label.
func (q *Queue) Name() string { return q.name }

// State returns the current lifecycle state.
func (q *Queue) State() State { return State(q.state.Load()) }

// Err returns the failure that terminated the worker, if any.
func (q *Queue) Err() error {
	if pe := q.failure.Load(); pe != nil {
		return pe
	}
	return nil
}

// Done is closed when the worker goroutine has exited, whether by Close or
// by a panicking operation.
func (q *Queue) Done() <-chan struct{} { return q.sup.Done() }

// Enqueue submits fn for execution as soon as possible. Operations enqueued
// by one goroutine run in submission order, provided Config.Clock is
// monotonic (time.Now is).
func (q *Queue) Enqueue(fn func()) error {
	_, err := q.submit(0, fn)
	return err
}

// EnqueueAfter submits fn for execution once delay has elapsed and returns a
// handle that can cancel it while it is pending. A negative delay counts as 0.
func (q *Queue) EnqueueAfter(delay time.Duration, fn func()) (DelayedOperation, error) {
	id, err := q.submit(delay, fn)
	if err != nil {
		return DelayedOperation{}, err
	}
	return DelayedOperation{q: q, id: id}, nil
}

func (q *Queue) submit(delay time.Duration, fn func()) (uint64, error) {
	if fn == nil {
		q.reject(ErrNilOperation)
		return 0, ErrNilOperation
	}
	if delay < 0 {
		delay = 0
	}

	q.mu.RLock()
	if err := q.acceptErr(); err != nil {
		q.mu.RUnlock()
		q.reject(err)
		return 0, err
	}
	due := q.now().Add(delay)
	id := q.lastID.Add(1)
	q.statuses.setLive(id, StatusPending)
	q.sched.Push(entry{id: id, fn: fn, due: due}, due)
	q.mu.RUnlock()

	q.submitted.Add(1)
	q.publish(eventbus.TypeSubmitted, eventbus.OpEvent{Queue: q.name, ID: id, Due: due})
	return id, nil
}

// acceptErr reports why submissions are refused in the current state.
// Callers hold q.mu.
func (q *Queue) acceptErr() error {
	switch q.State() {
	case StateRunning:
		return nil
	case StateFailed:
		return fmt.Errorf("asyncqueue: submit rejected: %w", q.Err())
	case StateClosing:
		return ErrClosing
	default:
		return ErrClosed
	}
}

func (q *Queue) reject(err error) {
	q.rejected.Add(1)
	if q.rejectLimiter == nil || !q.rejectLimiter.Allow() {
		return
	}
	q.log.Warn("submission rejected", logx.Err(err), logx.Uint64("rejected", q.rejected.Load()))
}

// TryCancel removes the pending operation id. It reports false when the
// operation already started, already finished, was cancelled before, or was
// never issued; none of these are errors.
func (q *Queue) TryCancel(id uint64) bool {
	if id == 0 {
		return false
	}
	e, ok := q.sched.PopIf(func(e entry) bool { return e.id == id })
	if !ok {
		return false
	}
	q.statuses.finish(id, StatusCancelled)
	q.cancelled.Add(1)
	q.log.Debug("operation cancelled", logx.Uint64("id", id))
	q.publish(eventbus.TypeCancelled, eventbus.OpEvent{Queue: q.name, ID: id, Due: e.due})
	return true
}

// Status reports what the queue knows about id.
func (q *Queue) Status(id uint64) Status {
	if id == 0 {
		return StatusUnknown
	}
	return q.statuses.get(id)
}

// Close stops accepting submissions, waits for the in-flight operation (if
// any) to return, stops the worker and discards every pending operation.
// It is idempotent; every caller waits for the first Close to finish or for
// ctx to end, whichever comes first. Calling Close from inside an operation
// blocks until ctx ends, since the worker cannot finish while it runs Close.
func (q *Queue) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	st := q.State()
	first := st == StateRunning || st == StateFailed
	if first {
		q.state.Store(int32(StateClosing))
	}
	q.mu.Unlock()

	if first {
		q.sup.Cancel()
		go q.finishClose()
	}

	select {
	case <-q.closedCh:
		return nil
	case <-ctx.Done():
		q.log.Warn("queue close timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (q *Queue) finishClose() {
	<-q.sup.Done()

	pending := q.sched.Drain()
	ids := make([]uint64, 0, len(pending))
	for _, e := range pending {
		q.statuses.finish(e.id, StatusDiscarded)
		ids = append(ids, e.id)
	}
	q.discarded.Add(uint64(len(ids)))

	q.mu.Lock()
	q.state.Store(int32(StateClosed))
	q.mu.Unlock()

	ev := eventbus.QueueEvent{Queue: q.name, Discarded: ids}
	if err := q.Err(); err != nil {
		ev.Error = err.Error()
	}
	q.publish(eventbus.TypeQueueClosed, ev)
	q.log.Info("queue closed",
		logx.Int("discarded", len(ids)),
		logx.Uint64("executed", q.executed.Load()),
		logx.Uint64("cancelled", q.cancelled.Load()),
	)
	close(q.closedCh)
}

// Snapshot returns a point-in-time view for diagnostics.
func (q *Queue) Snapshot() Snapshot {
	snap := Snapshot{
		Name:      q.name,
		State:     q.State(),
		Pending:   q.sched.Len(),
		Running:   q.running.Load(),
		Submitted: q.submitted.Load(),
		Executed:  q.executed.Load(),
		Cancelled: q.cancelled.Load(),
		Discarded: q.discarded.Load(),
		Rejected:  q.rejected.Load(),
		LastID:    q.lastID.Load(),
		Worker:    q.sup.Snapshot(),
	}
	if due, ok := q.sched.NextDue(); ok {
		snap.NextDue = due
	}
	if err := q.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}

func (q *Queue) publish(typ string, data any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: q.now(), Data: data})
}
