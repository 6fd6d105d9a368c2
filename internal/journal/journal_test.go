package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"asyncq/internal/eventbus"
	logx "asyncq/pkg/logx"
)

func openTestStore(t *testing.T, driver string, retain int) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal."+driver)
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second, Retain: retain}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleRecord(id uint64) Record {
	base := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	return Record{
		At:        base.Add(time.Duration(id) * time.Second),
		QueueName: "main",
		OpID:      id,
		Kind:      KindExecuted,
		Due:       base,
		Lag:       3 * time.Millisecond,
		Duration:  40 * time.Microsecond,
	}
}

func TestStoresRoundTrip(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTestStore(t, driver, 0)

			failed := Record{At: time.Date(2026, 3, 4, 6, 0, 0, 0, time.UTC), QueueName: "main", OpID: 9, Kind: KindFailed, Error: "boom"}
			for _, r := range []Record{sampleRecord(1), sampleRecord(2), failed} {
				if err := st.Append(ctx, r); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			got, err := st.Recent(ctx, 2)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("Recent returned %d records", len(got))
			}
			want := sampleRecord(2)
			if got[0].OpID != 2 || !got[0].At.Equal(want.At) || !got[0].Due.Equal(want.Due) ||
				got[0].Lag != want.Lag || got[0].Duration != want.Duration || got[0].Kind != KindExecuted {
				t.Fatalf("record = %+v, want %+v", got[0], want)
			}
			if got[1].OpID != 9 || got[1].Kind != KindFailed || got[1].Error != "boom" || !got[1].Due.IsZero() {
				t.Fatalf("record = %+v", got[1])
			}

			all, err := st.Recent(ctx, 100)
			if err != nil || len(all) != 3 || all[0].OpID != 1 {
				t.Fatalf("Recent(100) = %+v, %v", all, err)
			}
		})
	}
}

func TestFileStoreSkipsTornLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "j.jsonl")
	if err := os.WriteFile(path, []byte("{\"op_id\":1,\"kind\":\"executed\"}\n{\"op_id\":2,\"ki"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	got, err := st.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].OpID != 1 {
		t.Fatalf("Recent = %+v", got)
	}
}

func TestFileStoreRetain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, "file", 5)
	for i := uint64(1); i <= 12; i++ {
		if err := st.Append(ctx, sampleRecord(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	got, err := st.Recent(ctx, 100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	// Compaction runs every 5 writes: after write 10 the file holds 6..10,
	// then 11 and 12 are appended.
	if len(got) != 7 || got[0].OpID != 6 || got[6].OpID != 12 {
		ids := make([]uint64, len(got))
		for i, r := range got {
			ids[i] = r.OpID
		}
		t.Fatalf("ids after compaction = %v", ids)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want disabled", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, "file", 0)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Append(context.Background(), sampleRecord(1)); err != ErrClosed {
		t.Fatalf("Append after Close = %v", err)
	}
}

func TestRecorderWritesQueueEvents(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, "file", 0)
	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()
	waitSubscribed(t, bus)

	now := time.Now()
	bus.Publish(eventbus.Event{Type: eventbus.TypeSubmitted, Time: now, Data: eventbus.OpEvent{Queue: "q", ID: 1}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeExecuted, Time: now, Data: eventbus.OpEvent{Queue: "q", ID: 1, Duration: time.Millisecond}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeCancelled, Time: now, Data: eventbus.OpEvent{Queue: "q", ID: 2}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeQueueClosed, Time: now, Data: eventbus.QueueEvent{Queue: "q", Discarded: []uint64{3, 4}}})

	deadline := time.Now().Add(3 * time.Second)
	for rec.Stats().Written < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("written = %d, want 4", rec.Stats().Written)
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	kinds := []Kind{KindExecuted, KindCancelled, KindDiscarded, KindDiscarded}
	ids := []uint64{1, 2, 3, 4}
	if len(got) != len(kinds) {
		t.Fatalf("records = %+v", got)
	}
	for i := range got {
		if got[i].Kind != kinds[i] || got[i].OpID != ids[i] || got[i].QueueName != "q" {
			t.Fatalf("record %d = %+v", i, got[i])
		}
	}
}

func TestRecorderReturnsStoreError(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, "file", 0)
	_ = st.Close()
	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())

	done := make(chan error, 1)
	go func() { done <- rec.Run(context.Background()) }()
	waitSubscribed(t, bus)
	bus.Publish(eventbus.Event{Type: eventbus.TypeExecuted, Data: eventbus.OpEvent{Queue: "q", ID: 7}})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run returned nil after a failed append")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if rec.Stats().Failed != 1 {
		t.Fatalf("stats = %+v", rec.Stats())
	}
}

// waitSubscribed polls until bus has at least one subscriber.
func waitSubscribed(t *testing.T, bus eventbus.Bus) {
	t.Helper()
	mb := bus.(interface{ Subscribers() int })
	deadline := time.Now().Add(3 * time.Second)
	for mb.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("recorder never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
}
