package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "cruisectl/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of schedules that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage is not hot-swapped; the summary still reports it so operators
	// see that a restart is needed.
	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oldS, newS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Int("storage.endpoints", len(newS.Endpoints)),
		)
	}

	if oldCfg.Cruises.Watch != newCfg.Cruises.Watch || !slices.Equal(oldCfg.Cruises.Files, newCfg.Cruises.Files) {
		changed = append(changed, "cruises")
		attrs = append(attrs,
			logx.Int("cruises.files", len(newCfg.Cruises.Files)),
			logx.Bool("cruises.watch", newCfg.Cruises.Watch),
		)
	}

	schedChanged := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(schedChanged) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(schedChanged)),
			logx.Int("schedules.count", len(newCfg.Schedules)),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs, logx.Int("status.log_rate_per_sec", newCfg.Status.LogRatePerSec))
	}

	// Diag (never log token)
	oldD, newD := oldCfg.Diag, newCfg.Diag
	oldD.Token, newD.Token = tokenMarker(oldD.Token), tokenMarker(newD.Token)
	if oldD != newD {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newD.Enabled),
			logx.String("diag.addr", strings.TrimSpace(newD.Addr)),
			logx.Bool("diag.pprof", newD.Pprof),
			logx.Bool("diag.token_set", newD.Token != ""),
		)
	}

	if oldCfg.Announce != newCfg.Announce {
		changed = append(changed, "announce")
		attrs = append(attrs,
			logx.String("announce.addr", strings.TrimSpace(newCfg.Announce.Addr)),
			logx.Int("announce.retries", newCfg.Announce.Retries),
		)
	}

	sort.Strings(changed)
	return changed, attrs, schedChanged
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func tokenMarker(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func diffSchedules(oldS, newS []ScheduleConfig) []string {
	oldM := make(map[string]ScheduleConfig, len(oldS))
	for _, s := range oldS {
		oldM[s.Name] = s
	}
	newM := make(map[string]ScheduleConfig, len(newS))
	for _, s := range newS {
		newM[s.Name] = s
	}

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
		if inOld != inNew || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
