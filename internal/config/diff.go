package config

import (
	"reflect"
	"sort"
	"strings"

	logx "asyncq/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the names of jobs that were
// added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Queue settings apply only at startup; surface them so the operator
	// knows a restart is needed.
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.name", newCfg.Queue.Name),
			logx.Int("queue.history_size", newCfg.Queue.HistorySize),
			logx.Bool("queue.restart_required", true),
		)
	}

	oJ, nJ := derefJournal(oldCfg.Journal), derefJournal(newCfg.Journal)
	if oJ != nJ {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", strings.TrimSpace(nJ.Driver)),
			logx.Bool("journal.path_set", strings.TrimSpace(nJ.Path) != ""),
			logx.Bool("journal.restart_required", true),
		)
	}

	if derefAdmin(oldCfg.Admin) != derefAdmin(newCfg.Admin) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", derefAdmin(newCfg.Admin).Enabled),
			logx.Bool("admin.restart_required", true),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func derefJournal(j *JournalConfig) JournalConfig {
	if j == nil {
		return JournalConfig{}
	}
	return *j
}

func derefAdmin(a *AdminConfig) AdminConfig {
	if a == nil {
		return AdminConfig{}
	}
	return *a
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(jobs []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(jobs))
		for _, j := range jobs {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
