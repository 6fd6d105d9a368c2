package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"asyncq/internal/asyncqueue"
	"asyncq/internal/config"
	"asyncq/internal/journal"
	logx "asyncq/pkg/logx"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countKind(t *testing.T, st journal.Store, kind journal.Kind) int {
	t.Helper()
	recs, err := st.Recent(context.Background(), 1000)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	n := 0
	for _, r := range recs {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func TestAppRunsJobsAndJournals(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	cfgPath := filepath.Join(dir, "asyncqd.yaml")
	writeConfig(t, cfgPath, fmt.Sprintf(`
logging: { level: error, console: false }
queue: { name: test, close_timeout: 2s }
journal: { driver: file, path: %q }
timezone: UTC
jobs:
  - { name: tick, schedule: "interval:10ms", action: log, message: tick }
  - { name: touch, delay: 1ms, action: exec, command: ["sh", "-c", "echo ok > %s"], timeout: 5s }
  - { name: later, schedule: "@every 1h", action: log }
`, filepath.Join(dir, "journal.jsonl"), marker))

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := a.Journal()
	if st == nil {
		t.Fatal("journal not enabled")
	}
	eventually(t, "executed records", func() bool { return countKind(t, st, journal.KindExecuted) >= 3 })
	eventually(t, "exec job side effect", func() bool {
		b, err := os.ReadFile(marker)
		return err == nil && strings.TrimSpace(string(b)) == "ok"
	})

	names := []string{}
	for _, j := range a.Jobs() {
		names = append(names, j.Name)
	}
	// The one-shot job is forgotten after it ran.
	if strings.Join(names, ",") != "later,tick" {
		t.Fatalf("jobs = %v", names)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := a.Queue().State(); st != asyncqueue.StateClosed {
		t.Fatalf("queue state = %v", st)
	}
	if a.Err() != nil {
		t.Fatalf("app error = %v", a.Err())
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestAppReloadReplacesJobs(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "asyncqd.json")
	writeConfig(t, cfgPath, `{"logging":{"level":"error"},"jobs":[
		{"name":"a","schedule":"1h","action":"log"},
		{"name":"b","schedule":"1h","action":"log"}]}`)

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	})

	// A schedule the parser rejects must not be applied.
	writeConfig(t, cfgPath, `{"logging":{"level":"error"},"jobs":[{"name":"a","schedule":"cron:99 * * * *","action":"log"}]}`)
	if err := a.Reload(context.Background()); err == nil {
		t.Fatal("invalid schedule accepted")
	}
	if n := len(a.Jobs()); n != 2 {
		t.Fatalf("jobs after rejected reload = %d", n)
	}

	writeConfig(t, cfgPath, `{"logging":{"level":"error"},"jobs":[
		{"name":"a","schedule":"1h","action":"log"},
		{"name":"c","schedule":"2h","action":"log"}]}`)
	if err := a.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	eventually(t, "jobs replaced", func() bool {
		jobs := a.Jobs()
		return len(jobs) == 2 && jobs[0].Name == "a" && jobs[1].Name == "c"
	})
}

func TestAppAdminServesQueue(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "asyncqd.yaml")
	writeConfig(t, cfgPath, `
logging: { level: error }
admin: { enabled: true, addr: "127.0.0.1:0", token: t0k }
jobs:
  - { name: hourly, schedule: "1h", action: log }
`)
	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Admin() == nil {
		t.Fatal("admin not enabled")
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	})
	eventually(t, "admin bound", func() bool { return a.Admin().Addr() != "" })

	resp, err := http.Get("http://" + a.Admin().Addr() + "/queue?token=t0k")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap struct {
		Name  string
		State string
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Name != "main" || snap.State != "running" {
		t.Fatalf("snapshot = %+v", snap)
	}

	if recs, err := a.RecentJournal(context.Background(), 10); recs != nil || err != nil {
		t.Fatalf("RecentJournal without journal = %v, %v", recs, err)
	}
}

func TestValidateRejectsInsecureAdmin(t *testing.T) {
	t.Parallel()
	a := &App{log: logx.Nop()}
	cfg := &config.Config{Admin: &config.AdminConfig{Enabled: true, Addr: "0.0.0.0:6060"}}
	if err := a.validate(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "admin") {
		t.Fatalf("validate = %v", err)
	}
	cfg.Admin.Token = "x"
	if err := a.validate(context.Background(), cfg); err != nil {
		t.Fatalf("validate with token = %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	writeConfig(t, cfgPath, "jobs:\n  - { name: x, action: log }\n")
	if _, err := New(cfgPath); err == nil {
		t.Fatal("New accepted a job without a trigger")
	}
	if _, err := New(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("New accepted a missing file")
	}
}

func TestValidateReservedAndSchedules(t *testing.T) {
	t.Parallel()
	a := &App{log: logx.Nop()}
	cfg := &config.Config{Jobs: []config.JobConfig{
		{Name: watchdogJobName, Schedule: "1m", Action: "log"},
		{Name: "bad", Schedule: "every:99:99", Action: "log"},
		{Name: "ok", Delay: "1s", Action: "log"},
	}}
	err := a.validate(context.Background(), cfg)
	if err == nil {
		t.Fatal("validate accepted reserved name and bad schedule")
	}
	for _, want := range []string{"reserved", "jobs[bad].schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestBuildJob(t *testing.T) {
	t.Parallel()
	j, err := buildJob(config.JobConfig{Name: " warm ", Delay: "5s", Action: "LOG"}, logx.Nop())
	if err != nil {
		t.Fatalf("buildJob: %v", err)
	}
	if j.Name != "warm" || j.Delay != 5*time.Second || j.Spec != "" || j.Run == nil {
		t.Fatalf("job = %+v", j)
	}
	j.Run()

	if _, err := buildJob(config.JobConfig{Name: "x", Schedule: "1m", Action: "exec"}, logx.Nop()); err == nil {
		t.Fatal("exec without command accepted")
	}
	if _, err := buildJob(config.JobConfig{Name: "x", Schedule: "1m", Action: "mail"}, logx.Nop()); err == nil {
		t.Fatal("unknown action accepted")
	}
}

func TestRunCommandTimeout(t *testing.T) {
	t.Parallel()
	start := time.Now()
	runCommand(logx.Nop(), []string{"sleep", "5"}, 50*time.Millisecond)
	if took := time.Since(start); took > 3*time.Second {
		t.Fatalf("timeout not enforced, took %v", took)
	}
}

func TestCapBuffer(t *testing.T) {
	t.Parallel()
	var c capBuffer
	big := strings.Repeat("x", maxCapturedOutput+10)
	if n, err := c.Write([]byte(big)); n != len(big) || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if len(c.String()) != maxCapturedOutput || !c.truncated {
		t.Fatalf("len = %d truncated = %v", len(c.String()), c.truncated)
	}
	if n, _ := c.Write([]byte("more")); n != 4 {
		t.Fatalf("Write after full = %d", n)
	}
}

func TestMapJournalConfig(t *testing.T) {
	t.Parallel()
	if _, enabled, err := mapJournalConfig(&config.Config{}); enabled || err != nil {
		t.Fatalf("omitted journal: enabled=%v err=%v", enabled, err)
	}
	jc, enabled, err := mapJournalConfig(&config.Config{Journal: &config.JournalConfig{Driver: "SQLite", Path: " j.db "}})
	if err != nil || !enabled {
		t.Fatalf("enabled=%v err=%v", enabled, err)
	}
	if jc.Driver != "sqlite" || jc.Path != "j.db" || jc.BusyTimeout != time.Second {
		t.Fatalf("jc = %+v", jc)
	}
}
