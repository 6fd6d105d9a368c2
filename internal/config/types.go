package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Queue   QueueConfig   `json:"queue"`

	// Journal is optional; nil means disabled.
	Journal *JournalConfig `json:"journal,omitempty"`

	// Timezone is an IANA name used to evaluate cron schedules.
	// Empty means the process local zone.
	Timezone string `json:"timezone,omitempty"`

	Jobs []JobConfig `json:"jobs,omitempty"`

	// Admin is the optional diagnostics HTTP server; nil means disabled.
	Admin *AdminConfig `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig controls the serial queue.
//
// Defaults (when fields are omitted/zero):
//   - name: "main"
//   - history_size: 1024
//   - reject_log_rate: 1 (per second; negative disables the warning)
type QueueConfig struct {
	Name           string  `json:"name,omitempty"`
	HistorySize    int     `json:"history_size,omitempty"`
	RejectLogRate  float64 `json:"reject_log_rate,omitempty"`
	PanicOnFailure bool    `json:"panic_on_failure,omitempty"`

	// CloseTimeout bounds how long shutdown waits for the running
	// operation. Go duration string; default "10s".
	CloseTimeout string `json:"close_timeout,omitempty"`
}

// JournalConfig controls the execution journal.
//
// Example:
//
//	journal: { driver: sqlite, path: ./asyncqd.db, busy_timeout: 2s }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retain      int    `json:"retain,omitempty"`
}

// JobConfig declares one job run on the queue.
//
// Exactly one of Schedule (recurring) or Delay (one-shot) must be set.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule,omitempty"`
	Delay    string `json:"delay,omitempty"`

	// Action is "log" or "exec".
	Action  string   `json:"action"`
	Message string   `json:"message,omitempty"`
	Command []string `json:"command,omitempty"`
	// Timeout bounds an exec action. Go duration string; 0 disables it.
	Timeout string `json:"timeout,omitempty"`
}

// AdminConfig controls the diagnostics HTTP server.
//
// Security:
//   - Prefer binding to localhost (default "127.0.0.1:6060").
//   - If binding to a non-loopback address, set token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
