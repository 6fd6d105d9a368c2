package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanicAndCallsHandler(t *testing.T) {
	t.Parallel()

	var (
		gotName  string
		gotValue any
		gotStack []byte
	)
	s := NewSupervisor(context.Background(), WithPanicHandler(func(name string, p any, stack []byte) {
		gotName, gotValue, gotStack = name, p, stack
	}))
	s.Go("boom", func(ctx context.Context) error { panic("kaput") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "kaput") {
		t.Fatalf("Wait = %v, want panic error", err)
	}
	if gotName != "boom" || gotValue != "kaput" || len(gotStack) == 0 {
		t.Fatalf("handler saw name=%q value=%v stack=%d bytes", gotName, gotValue, len(gotStack))
	}

	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 || snap.Goroutines[0].Active != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoCancelOnError(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background(), WithCancelOnError(true))

	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("failer", func(ctx context.Context) error { return errors.New("nope") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "failer: nope") {
		t.Fatalf("Wait = %v", err)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 2 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGoRestartRetriesUntilCleanExit(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())

	var calls atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("transient")
		case 2:
			panic("also transient")
		default:
			return nil
		}
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}

	var st GoroutineStats
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "flaky" {
			st = g
		}
	}
	if st.Restarts != 2 || st.Panics != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())

	var calls atomic.Int32
	s.GoRestart("broken", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "always") {
		t.Fatalf("Wait = %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3 (initial + 2 restarts)", n)
	}
}

func TestStopCancelsAndWaits(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())

	var exited atomic.Bool
	s.Go0("loop", func(ctx context.Context) {
		<-ctx.Done()
		exited.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if !exited.Load() {
		t.Fatal("goroutine did not observe cancellation")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()
	s := NewSupervisor(context.Background())
	s.Go0("stuck", func(ctx context.Context) { <-ctx.Done() })
	defer s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}
