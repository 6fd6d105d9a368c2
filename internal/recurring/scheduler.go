package recurring

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"asyncq/internal/asyncqueue"
	logx "asyncq/pkg/logx"
)

var (
	ErrStopped   = errors.New("recurring: scheduler stopped")
	ErrDuplicate = errors.New("recurring: job already registered")
)

// Submitter is the part of *asyncqueue.Queue the scheduler needs.
type Submitter interface {
	EnqueueAfter(delay time.Duration, fn func()) (asyncqueue.DelayedOperation, error)
}

// Job is a unit of recurring (or one-shot) work.
//
// Exactly one of Spec or Delay is used: a non-empty Spec makes the job
// recurring, otherwise it runs once after Delay.
type Job struct {
	Name  string
	Spec  string
	Delay time.Duration
	Run   func()
}

// JobInfo is a diagnostic view of a registered job.
type JobInfo struct {
	Name    string
	Spec    string
	OneShot bool
	Next    time.Time
	Last    time.Time
	Runs    uint64
	OpID    uint64
}

type job struct {
	def   Job
	sched cron.Schedule // nil for one-shot

	op   asyncqueue.DelayedOperation
	gen  uint64
	next time.Time
	last time.Time
	runs uint64
}

// Scheduler keeps registered jobs armed on a queue.
type Scheduler struct {
	q   Submitter
	loc *time.Location
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	jobs    map[string]*job
	fired   map[string]struct{} // one-shot jobs that already ran
	gen     uint64
	stopped bool
}

// New creates a scheduler submitting into q. A nil loc means time.Local.
func New(q Submitter, loc *time.Location, log logx.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		q:     q,
		loc:   loc,
		log:   log,
		now:   time.Now,
		jobs:  make(map[string]*job),
		fired: make(map[string]struct{}),
	}
}

func compile(def Job) (*job, error) {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if def.Run == nil {
		return nil, fmt.Errorf("job %q: Run is nil", def.Name)
	}
	j := &job{def: def}
	if strings.TrimSpace(def.Spec) == "" {
		if def.Delay < 0 {
			return nil, fmt.Errorf("job %q: delay must be >= 0", def.Name)
		}
		return j, nil
	}
	ps, err := ParseSchedule(def.Spec)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", def.Name, err)
	}
	sched, err := ps.Schedule()
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", def.Name, err)
	}
	j.sched = sched
	return j, nil
}

// Add registers and arms a job.
func (s *Scheduler) Add(def Job) error {
	j, err := compile(def)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.jobs[j.def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, j.def.Name)
	}
	if err := s.armLocked(j); err != nil {
		return err
	}
	s.jobs[j.def.Name] = j
	delete(s.fired, j.def.Name)
	s.log.Debug("job registered", logx.String("job", j.def.Name), logx.String("spec", j.def.Spec), logx.Time("next", j.next))
	return nil
}

// Remove cancels a job's pending run and forgets it. It reports whether the
// job was registered. A run already picked up by the queue still completes
// but will not re-arm.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.removeLocked(j)
	return true
}

func (s *Scheduler) removeLocked(j *job) {
	j.op.Cancel()
	j.gen = 0
	delete(s.jobs, j.def.Name)
}

// Replace converges the registered jobs to defs. Recurring jobs whose spec
// is unchanged keep their pending run (their Run func is swapped in place).
// One-shot jobs that are still pending are kept; those that already ran are
// not re-armed.
func (s *Scheduler) Replace(defs []Job) error {
	compiled := make(map[string]*job, len(defs))
	for _, d := range defs {
		j, err := compile(d)
		if err != nil {
			return err
		}
		if _, dup := compiled[j.def.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicate, j.def.Name)
		}
		compiled[j.def.Name] = j
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	for name, cur := range s.jobs {
		nj, ok := compiled[name]
		if ok && cur.def.Spec == nj.def.Spec && cur.def.Delay == nj.def.Delay {
			cur.def.Run = nj.def.Run
			delete(compiled, name)
			continue
		}
		s.removeLocked(cur)
	}

	var errs []error
	for name, j := range compiled {
		if j.sched == nil {
			if _, done := s.fired[name]; done {
				continue
			}
		}
		if err := s.armLocked(j); err != nil {
			errs = append(errs, err)
			continue
		}
		s.jobs[name] = j
	}
	return errors.Join(errs...)
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{
			Name:    j.def.Name,
			Spec:    j.def.Spec,
			OneShot: j.sched == nil,
			Next:    j.next,
			Last:    j.last,
			Runs:    j.runs,
			OpID:    j.op.ID(),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// SetLocation changes the zone cron schedules are evaluated in and re-arms
// recurring jobs whose next run is still pending. A run already executing
// picks up the new zone when it re-arms.
func (s *Scheduler) SetLocation(loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if loc == s.loc {
		return nil
	}
	s.loc = loc

	var errs []error
	for name, j := range s.jobs {
		if j.sched == nil || !j.op.Cancel() {
			continue
		}
		if err := s.armLocked(j); err != nil {
			delete(s.jobs, name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Location returns the zone cron schedules are evaluated in.
func (s *Scheduler) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Stop cancels every pending run. The scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, j := range s.jobs {
		s.removeLocked(j)
	}
}

func (s *Scheduler) armLocked(j *job) error {
	now := s.now()
	if j.sched == nil {
		j.next = now.Add(j.def.Delay)
	} else {
		j.next = j.sched.Next(now.In(s.loc))
		if j.next.IsZero() {
			return fmt.Errorf("job %q: schedule has no future trigger", j.def.Name)
		}
	}

	s.gen++
	gen := s.gen
	op, err := s.q.EnqueueAfter(j.next.Sub(now), func() { s.fire(j.def.Name, gen) })
	if err != nil {
		return fmt.Errorf("job %q: %w", j.def.Name, err)
	}
	j.op = op
	j.gen = gen
	return nil
}

// fire runs on the queue worker.
func (s *Scheduler) fire(name string, gen uint64) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok || j.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	run := j.def.Run
	s.mu.Unlock()

	start := s.now()
	run()

	s.mu.Lock()
	defer s.mu.Unlock()
	if j.gen != gen || s.stopped {
		return
	}
	j.last = start
	j.runs++
	if j.sched == nil {
		delete(s.jobs, name)
		s.fired[name] = struct{}{}
		return
	}
	if err := s.armLocked(j); err != nil {
		// The queue refused the next run (closing or failed); the job stays
		// registered without a pending run.
		s.log.Warn("job not re-armed", logx.String("job", name), logx.Err(err))
	}
}
