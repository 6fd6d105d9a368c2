package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"asyncq/internal/asyncqueue"
	"asyncq/internal/journal"
	"asyncq/internal/recurring"
	logx "asyncq/pkg/logx"
)

type fakeSource struct {
	state   asyncqueue.State
	recs    []journal.Record
	recErr  error
	lastN   int
	jobList []recurring.JobInfo
}

func (f *fakeSource) QueueSnapshot() asyncqueue.Snapshot {
	return asyncqueue.Snapshot{Name: "main", State: f.state, Pending: 2, Executed: 7}
}

func (f *fakeSource) Jobs() []recurring.JobInfo { return f.jobList }

func (f *fakeSource) RecentJournal(_ context.Context, n int) ([]journal.Record, error) {
	f.lastN = n
	return f.recs, f.recErr
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.String()
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()
	src := &fakeSource{
		recs:    []journal.Record{{OpID: 3, Kind: journal.KindExecuted, QueueName: "main"}},
		jobList: []recurring.JobInfo{{Name: "tick", Spec: "1m"}},
	}
	h := New(Config{}, src, logx.Nop()).Handler()

	if code, body := get(t, h, "/healthz", nil); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}

	code, body := get(t, h, "/queue", nil)
	if code != http.StatusOK {
		t.Fatalf("queue = %d", code)
	}
	var snap map[string]any
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap["State"] != "running" || snap["Pending"] != float64(2) {
		t.Fatalf("snapshot = %v", snap)
	}

	if code, body := get(t, h, "/jobs", nil); code != http.StatusOK || !strings.Contains(body, `"tick"`) {
		t.Fatalf("jobs = %d %s", code, body)
	}

	if code, body := get(t, h, "/journal?n=5000", nil); code != http.StatusOK || !strings.Contains(body, `"op_id": 3`) {
		t.Fatalf("journal = %d %s", code, body)
	}
	if src.lastN != maxRecentN {
		t.Fatalf("n not capped: %d", src.lastN)
	}
	if code, _ := get(t, h, "/journal?n=zero", nil); code != http.StatusBadRequest {
		t.Fatalf("bad n = %d", code)
	}

	if code, _ := get(t, h, "/debug/pprof/", nil); code != http.StatusOK {
		t.Fatalf("pprof index = %d", code)
	}
}

func TestHealthAndJournalFailures(t *testing.T) {
	t.Parallel()
	src := &fakeSource{state: asyncqueue.StateFailed}
	h := New(Config{}, src, logx.Nop()).Handler()

	if code, body := get(t, h, "/healthz", nil); code != http.StatusServiceUnavailable || !strings.Contains(body, "failed") {
		t.Fatalf("healthz = %d %q", code, body)
	}
	if code, _ := get(t, h, "/journal", nil); code != http.StatusNotFound {
		t.Fatalf("disabled journal = %d", code)
	}
	if src.lastN != defaultRecentN {
		t.Fatalf("default n = %d", src.lastN)
	}
	src.recErr = errors.New("disk gone")
	if code, _ := get(t, h, "/journal", nil); code != http.StatusInternalServerError {
		t.Fatalf("journal error = %d", code)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret"}, &fakeSource{}, logx.Nop()).Handler()

	tests := []struct {
		name   string
		target string
		hdr    map[string]string
		want   int
	}{
		{"missing", "/healthz", nil, http.StatusUnauthorized},
		{"wrong query", "/healthz?token=nope", nil, http.StatusUnauthorized},
		{"query", "/healthz?token=s3cret", nil, http.StatusOK},
		{"bearer", "/healthz", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"wrong bearer", "/healthz", map[string]string{"Authorization": "Bearer x"}, http.StatusUnauthorized},
		{"pprof", "/debug/pprof/", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if code, _ := get(t, h, tt.target, tt.hdr); code != tt.want {
				t.Fatalf("code = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cfg  Config
		want error
	}{
		{Config{}, nil},
		{Config{Addr: "localhost:6060"}, nil},
		{Config{Addr: "[::1]:6060"}, nil},
		{Config{Addr: "0.0.0.0:6060"}, ErrInsecureBind},
		{Config{Addr: ":6060"}, ErrInsecureBind},
		{Config{Addr: ":6060", Token: "t"}, nil},
		{Config{Addr: "10.0.0.1:6060", AllowInsecure: true}, nil},
	}
	for _, tt := range tests {
		if err := CheckBind(tt.cfg); !errors.Is(err, tt.want) {
			t.Fatalf("CheckBind(%+v) = %v, want %v", tt.cfg, err, tt.want)
		}
	}
	if err := CheckBind(Config{Addr: "6060"}); err == nil {
		t.Fatal("addr without port accepted")
	}
}

func TestRunServesUntilCanceled(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, &fakeSource{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(b) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, b)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
