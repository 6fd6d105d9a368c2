package app

// StopReason explains why the app is shutting down. It is logged and sent
// to systemd as part of the STATUS line.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSIGINT      StopReason = "sigint"
	StopSIGTERM     StopReason = "sigterm"
	StopFatalError  StopReason = "fatal_error"
	StopQueueFailed StopReason = "queue_failed"
)
