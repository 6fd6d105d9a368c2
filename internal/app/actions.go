package app

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"asyncq/internal/config"
	"asyncq/internal/recurring"
	logx "asyncq/pkg/logx"
)

// maxCapturedOutput bounds how much command output is kept for the log line.
const maxCapturedOutput = 4 << 10

func buildJobs(cfg *config.Config, log logx.Logger) ([]recurring.Job, error) {
	out := make([]recurring.Job, 0, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		j, err := buildJob(jc, log)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func buildJob(jc config.JobConfig, log logx.Logger) (recurring.Job, error) {
	name := strings.TrimSpace(jc.Name)
	delay, err := config.ParseDurationField("jobs["+name+"].delay", jc.Delay)
	if err != nil {
		return recurring.Job{}, err
	}
	timeout, err := config.ParseDurationField("jobs["+name+"].timeout", jc.Timeout)
	if err != nil {
		return recurring.Job{}, err
	}

	jlog := log.With(logx.String("job", name))
	var run func()
	switch strings.ToLower(strings.TrimSpace(jc.Action)) {
	case "log":
		msg := strings.TrimSpace(jc.Message)
		if msg == "" {
			msg = "job ran"
		}
		run = func() { jlog.Info(msg) }
	case "exec":
		if len(jc.Command) == 0 {
			return recurring.Job{}, fmt.Errorf("jobs[%s]: command is required for exec", name)
		}
		argv := slices.Clone(jc.Command)
		run = func() { runCommand(jlog, argv, timeout) }
	default:
		return recurring.Job{}, fmt.Errorf("jobs[%s]: unknown action %q", name, jc.Action)
	}

	return recurring.Job{
		Name:  name,
		Spec:  strings.TrimSpace(jc.Schedule),
		Delay: delay,
		Run:   run,
	}, nil
}

// runCommand executes argv on the calling goroutine (the queue worker) and
// logs the outcome. Failures are logged, never propagated: the next trigger
// is the retry.
func runCommand(log logx.Logger, argv []string, timeout time.Duration) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var out capBuffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	fields := []logx.Field{
		logx.String("cmd", argv[0]),
		logx.Duration("took", time.Since(start)),
	}
	if s := strings.TrimSpace(out.String()); s != "" {
		fields = append(fields, logx.String("output", s))
	}
	if out.truncated {
		fields = append(fields, logx.Bool("output_truncated", true))
	}

	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			fields = append(fields, logx.Int("exit_code", ee.ExitCode()))
		}
		if ctx.Err() != nil {
			fields = append(fields, logx.Duration("timeout", timeout))
		}
		log.Warn("job command failed", append(fields, logx.Err(err))...)
		return
	}
	log.Info("job command finished", fields...)
}

// capBuffer keeps the first maxCapturedOutput bytes written to it.
type capBuffer struct {
	b         []byte
	truncated bool
}

func (c *capBuffer) Write(p []byte) (int, error) {
	room := maxCapturedOutput - len(c.b)
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.b = append(c.b, p[:room]...)
		c.truncated = true
		return len(p), nil
	}
	c.b = append(c.b, p...)
	return len(p), nil
}

func (c *capBuffer) String() string { return string(c.b) }
