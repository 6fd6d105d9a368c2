package app

import (
	"strings"
	"time"

	"asyncq/internal/asyncqueue"
	"asyncq/internal/config"
	"asyncq/internal/journal"
	"asyncq/internal/observability/admin"
	logx "asyncq/pkg/logx"
)

const (
	defaultQueueName    = "main"
	defaultCloseTimeout = 10 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapQueueConfig(cfg *config.Config) (asyncqueue.Config, time.Duration, error) {
	qc := cfg.Queue
	name := strings.TrimSpace(qc.Name)
	if name == "" {
		name = defaultQueueName
	}
	closeTimeout, err := config.ParseDurationOrDefault("queue.close_timeout", qc.CloseTimeout, defaultCloseTimeout)
	if err != nil {
		return asyncqueue.Config{}, 0, err
	}
	return asyncqueue.Config{
		Name:           name,
		HistorySize:    qc.HistorySize,
		RejectLogRate:  qc.RejectLogRate,
		PanicOnFailure: qc.PanicOnFailure,
	}, closeTimeout, nil
}

// mapJournalConfig reports enabled=false when the section is omitted or the
// driver is "none".
func mapJournalConfig(cfg *config.Config) (journal.Config, bool, error) {
	if cfg.Journal == nil {
		return journal.Config{}, false, nil
	}
	jc := cfg.Journal
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	if driver == "" || driver == "none" {
		return journal.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("journal.busy_timeout", jc.BusyTimeout, time.Second)
	if err != nil {
		return journal.Config{}, false, err
	}
	return journal.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(jc.Path),
		BusyTimeout: busy,
		Retain:      jc.Retain,
	}, true, nil
}

// mapAdminConfig reports enabled=false when the section is omitted or off.
func mapAdminConfig(cfg *config.Config) (admin.Config, bool) {
	ac := cfg.Admin
	if ac == nil || !ac.Enabled {
		return admin.Config{}, false
	}
	return admin.Config{
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
	}, true
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
