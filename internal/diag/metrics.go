package diag

import (
	"fmt"
	"io"
	"sort"
	"sync/atomic"
)

// Metrics holds atomic counters for control-plane operations.
// A nil *Metrics is valid and counts nothing.
type Metrics struct {
	cruisesLoaded   atomic.Int64
	cruisesDeleted  atomic.Int64
	modeSwitches    atomic.Int64
	loggerOverrides atomic.Int64
	edits           atomic.Int64
	validationErrs  atomic.Int64
	notFoundErrs    atomic.Int64
	statusReports   atomic.Int64
	scheduledRuns   atomic.Int64
	scheduledErrs   atomic.Int64
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) IncCruiseLoaded() {
	if m != nil {
		m.cruisesLoaded.Add(1)
	}
}

func (m *Metrics) IncCruiseDeleted() {
	if m != nil {
		m.cruisesDeleted.Add(1)
	}
}

func (m *Metrics) IncModeSwitch() {
	if m != nil {
		m.modeSwitches.Add(1)
	}
}

func (m *Metrics) IncLoggerOverride() {
	if m != nil {
		m.loggerOverrides.Add(1)
	}
}

func (m *Metrics) IncEdit() {
	if m != nil {
		m.edits.Add(1)
	}
}

func (m *Metrics) IncValidationError() {
	if m != nil {
		m.validationErrs.Add(1)
	}
}

func (m *Metrics) IncNotFoundError() {
	if m != nil {
		m.notFoundErrs.Add(1)
	}
}

func (m *Metrics) IncStatusReport() {
	if m != nil {
		m.statusReports.Add(1)
	}
}

func (m *Metrics) IncScheduledRun() {
	if m != nil {
		m.scheduledRuns.Add(1)
	}
}

func (m *Metrics) IncScheduledError() {
	if m != nil {
		m.scheduledErrs.Add(1)
	}
}

// Snapshot returns the counters keyed by metric name.
func (m *Metrics) Snapshot() map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return map[string]int64{
		"cruisectl_cruises_loaded_total":     m.cruisesLoaded.Load(),
		"cruisectl_cruises_deleted_total":    m.cruisesDeleted.Load(),
		"cruisectl_mode_switches_total":      m.modeSwitches.Load(),
		"cruisectl_logger_overrides_total":   m.loggerOverrides.Load(),
		"cruisectl_edits_total":              m.edits.Load(),
		"cruisectl_validation_errors_total":  m.validationErrs.Load(),
		"cruisectl_not_found_errors_total":   m.notFoundErrs.Load(),
		"cruisectl_status_reports_total":     m.statusReports.Load(),
		"cruisectl_scheduled_switches_total": m.scheduledRuns.Load(),
		"cruisectl_scheduled_errors_total":   m.scheduledErrs.Load(),
	}
}

// Gauge is a point-in-time value exported next to the counters.
type Gauge struct {
	Name  string
	Help  string
	Value int64
}

var help = map[string]string{
	"cruisectl_cruises_loaded_total":     "Cruise definitions installed.",
	"cruisectl_cruises_deleted_total":    "Cruises deleted.",
	"cruisectl_mode_switches_total":      "Successful mode switches.",
	"cruisectl_logger_overrides_total":   "Per-logger config assignments outside a mode switch.",
	"cruisectl_edits_total":              "Successful add/delete edits to loggers, modes and configs.",
	"cruisectl_validation_errors_total":  "Operations rejected by validation.",
	"cruisectl_not_found_errors_total":   "Operations naming a missing entity.",
	"cruisectl_status_reports_total":     "Status reports ingested.",
	"cruisectl_scheduled_switches_total": "Mode switches fired by the scheduler.",
	"cruisectl_scheduled_errors_total":   "Scheduled mode switches that failed.",
}

// WritePrometheus renders the counters and gauges in Prometheus text
// exposition format.
func (m *Metrics) WritePrometheus(w io.Writer, gauges ...Gauge) {
	snap := m.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help[name])
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n\n", name, snap[name])
	}
	for _, g := range gauges {
		fmt.Fprintf(w, "# HELP %s %s\n", g.Name, g.Help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
		fmt.Fprintf(w, "%s %d\n\n", g.Name, g.Value)
	}
}
