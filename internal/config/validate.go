package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "asyncq/pkg/logx"
)

// Validate checks the parts of cfg that do not need other packages.
// Schedule syntax is checked by the caller's validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when file logging is enabled"))
	}

	if cfg.Queue.HistorySize < 0 {
		errs = append(errs, errors.New("queue.history_size must be >= 0"))
	}
	if _, err := ParseDurationField("queue.close_timeout", cfg.Queue.CloseTimeout); err != nil {
		errs = append(errs, err)
	}

	if j := cfg.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(j.Path) == "" {
				errs = append(errs, fmt.Errorf("journal.path is required for driver %q", j.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("journal.driver: unknown driver %q", j.Driver))
		}
		if _, err := ParseDurationField("journal.busy_timeout", j.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if j.Retain < 0 {
			errs = append(errs, errors.New("journal.retain must be >= 0"))
		}
	}

	if a := cfg.Admin; a != nil && a.Enabled && strings.TrimSpace(a.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(a.Addr)); err != nil {
			errs = append(errs, fmt.Errorf("admin.addr: %w", err))
		}
	}

	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
		} else {
			path = fmt.Sprintf("jobs[%s]", name)
			if _, dup := seen[name]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate job name", path))
			}
			seen[name] = struct{}{}
		}

		hasSched := strings.TrimSpace(j.Schedule) != ""
		hasDelay := strings.TrimSpace(j.Delay) != ""
		if hasSched == hasDelay {
			errs = append(errs, fmt.Errorf("%s: exactly one of schedule or delay must be set", path))
		}
		if _, err := ParseDurationField(path+".delay", j.Delay); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			errs = append(errs, err)
		}

		switch strings.ToLower(strings.TrimSpace(j.Action)) {
		case "log":
		case "exec":
			if len(j.Command) == 0 || strings.TrimSpace(j.Command[0]) == "" {
				errs = append(errs, fmt.Errorf("%s.command is required for exec", path))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.action: unknown action %q", path, j.Action))
		}
	}

	return errors.Join(errs...)
}
