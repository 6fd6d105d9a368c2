package app

import (
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"

	"asyncq/internal/recurring"
	logx "asyncq/pkg/logx"
)

// watchdogJobName is reserved for the systemd watchdog ping.
const watchdogJobName = "systemd.watchdog"

// sdNotify sends states to systemd. Outside a unit with NotifyAccess it is a
// no-op.
func sdNotify(log logx.Logger, states ...string) {
	sent, err := daemon.SdNotify(false, strings.Join(states, "\n"))
	if err != nil {
		log.Debug("systemd notify failed", logx.Err(err))
		return
	}
	if sent && log.Enabled(logx.LevelTrace) {
		log.Trace("systemd notified", logx.String("state", strings.Join(states, " ")))
	}
}

func sdStatus(format string, args ...any) string {
	return "STATUS=" + fmt.Sprintf(format, args...)
}

// watchdogJob returns a job that pings the systemd watchdog at half the
// configured interval. It runs on the queue worker, so a wedged operation
// stops the pings and lets systemd restart the service.
func watchdogJob(log logx.Logger) (recurring.Job, bool) {
	iv, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return recurring.Job{}, false
	}
	if iv <= 0 {
		return recurring.Job{}, false
	}
	every := iv / 2
	log.Info("systemd watchdog enabled", logx.Duration("interval", iv), logx.Duration("ping_every", every))
	return recurring.Job{
		Name: watchdogJobName,
		Spec: "interval:" + every.String(),
		Run:  func() { sdNotify(log, daemon.SdNotifyWatchdog) },
	}, true
}
