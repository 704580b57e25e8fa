// Package scheduler switches cruises between modes on cron or interval
// schedules. Each trigger performs SetMode followed by SignalUpdate, so
// observers see the new assignment exactly once per switch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cruisectl/internal/diag"
	logx "cruisectl/pkg/logx"
)

// DefaultRunTimeout bounds one scheduled switch, SetMode and SignalUpdate
// together.
const DefaultRunTimeout = 30 * time.Second

const historySize = 64

// Switcher is the part of the control plane a schedule drives.
type Switcher interface {
	SetMode(ctx context.Context, cruiseID, mode string) error
	SignalUpdate(ctx context.Context, cruiseID string) int
}

// Config controls the scheduler service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "UTC"
}

// Schedule switches Cruise into Mode whenever Spec fires.
type Schedule struct {
	Name   string
	Cruise string
	Mode   string
	Spec   string
}

// Run records one scheduled switch.
type Run struct {
	Name     string
	Cruise   string
	Mode     string
	At       time.Time
	Took     time.Duration
	Failures int // callbacks that failed during the signal
	Err      string
}

type scheduleDef struct {
	Schedule
	parsed  ParsedSpec
	entryID cron.EntryID
	spread  time.Duration
	running *atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	loc     *time.Location
	sw      Switcher
	metrics *diag.Metrics
	timeout time.Duration

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// ctxMu is separate from mu: restartLocked waits for running jobs while
	// holding mu, and jobs read ctx.
	ctxMu  sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc

	histMu  sync.Mutex
	history []Run
}

type Option func(*Service)

func WithMetrics(m *diag.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithRunTimeout overrides DefaultRunTimeout.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(cfg Config, sw Switcher, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		sw:      sw,
		timeout: DefaultRunTimeout,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the service config. A timezone change restarts cron with
// every schedule re-registered.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start starts triggering. Schedules registered before Start are armed now.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctxMu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.ctxMu.Unlock()
	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	for i := range s.defs {
		s.armLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops triggering and waits for running switches, bounded by ctx.
// Definitions are kept so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	s.ctxMu.Lock()
	cancel := s.cancel
	s.ctx, s.cancel = nil, nil
	s.ctxMu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Replace installs scheds as the complete schedule set. Every spec is parsed
// first; if any is invalid nothing changes.
func (s *Service) Replace(scheds []Schedule) error {
	defs := make([]scheduleDef, 0, len(scheds))
	seen := map[string]bool{}
	var errs []error
	for _, sc := range scheds {
		d, err := s.prepare(sc)
		if err == nil && seen[sc.Name] {
			err = fmt.Errorf("schedule %q: duplicate name", sc.Name)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		seen[sc.Name] = true
		defs = append(defs, d)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.defs {
		s.disarmLocked(&s.defs[i])
	}
	s.defs = defs
	if s.c != nil {
		for i := range s.defs {
			s.armLocked(&s.defs[i])
		}
	}
	s.log.Info("schedules replaced", logx.Int("schedules", len(defs)))
	return nil
}

// Add registers one schedule, replacing any schedule with the same name.
func (s *Service) Add(sc Schedule) error {
	d, err := s.prepare(sc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sc.Name)
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.armLocked(&s.defs[len(s.defs)-1])
	}
	return nil
}

// Remove unregisters a schedule by name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i := range s.defs {
		if s.defs[i].Name != name {
			continue
		}
		s.disarmLocked(&s.defs[i])
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) prepare(sc Schedule) (scheduleDef, error) {
	sc.Name = strings.TrimSpace(sc.Name)
	if sc.Name == "" {
		return scheduleDef{}, errors.New("schedule name required")
	}
	if strings.TrimSpace(sc.Cruise) == "" || strings.TrimSpace(sc.Mode) == "" {
		return scheduleDef{}, fmt.Errorf("schedule %q: cruise and mode required", sc.Name)
	}
	ps, err := ParseSchedule(sc.Spec)
	if err != nil {
		return scheduleDef{}, fmt.Errorf("schedule %q: %w", sc.Name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return scheduleDef{}, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
	}
	return scheduleDef{Schedule: sc, parsed: ps, running: &atomic.Bool{}}, nil
}

func (s *Service) armLocked(d *scheduleDef) {
	def := *d
	job := cron.FuncJob(func() { s.fire(def) })

	if d.parsed.Kind == SpecInterval {
		sched, jitter := intervalWithSpread(d.parsed.Every, time.Now().In(s.loc), d.Name)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
	} else {
		id, err := s.c.AddJob(d.parsed.Cron, job)
		if err != nil {
			// prepare already parsed it; only a parser change could get here
			s.log.Error("schedule register failed", logx.String("name", d.Name), logx.Err(err))
			return
		}
		d.entryID = id
	}

	args := []logx.Field{
		logx.String("name", d.Name),
		logx.String("cruise", d.Cruise),
		logx.String("mode", d.Mode),
		logx.String("spec", d.parsed.CronSpec()),
	}
	if next := s.previewNextRunsLocked(d.entryID, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
}

func (s *Service) disarmLocked(d *scheduleDef) {
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
}

// fire performs one scheduled switch. A switch still running from an
// earlier tick makes this tick a no-op.
func (s *Service) fire(d scheduleDef) {
	if !d.running.CompareAndSwap(false, true) {
		s.log.Debug("schedule trigger skipped (still running)", logx.String("schedule", d.Name))
		return
	}
	defer d.running.Store(false)

	s.ctxMu.RLock()
	base := s.ctx
	s.ctxMu.RUnlock()
	if base == nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, s.timeout)
	defer cancel()

	run := Run{Name: d.Name, Cruise: d.Cruise, Mode: d.Mode, At: time.Now()}
	err := s.sw.SetMode(ctx, d.Cruise, d.Mode)
	if err == nil {
		run.Failures = s.sw.SignalUpdate(ctx, d.Cruise)
	}
	run.Took = time.Since(run.At)

	s.metrics.IncScheduledRun()
	if err != nil {
		run.Err = err.Error()
		s.metrics.IncScheduledError()
		s.log.Warn("scheduled mode switch failed",
			logx.String("schedule", d.Name),
			logx.String("cruise", d.Cruise),
			logx.String("mode", d.Mode),
			logx.Err(err),
		)
	} else {
		s.log.Info("scheduled mode switch",
			logx.String("schedule", d.Name),
			logx.String("cruise", d.Cruise),
			logx.String("mode", d.Mode),
			logx.Int("callback_failures", run.Failures),
			logx.Duration("took", run.Took),
		)
	}
	s.record(run)
}

// RunNow fires a schedule immediately, outside its timetable.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	var (
		def   scheduleDef
		found bool
	)
	for _, d := range s.defs {
		if d.Name == name {
			def, found = d, true
			break
		}
	}
	s.mu.Unlock()
	s.ctxMu.RLock()
	started := s.ctx != nil
	s.ctxMu.RUnlock()

	if !found {
		return fmt.Errorf("schedule %q not found", name)
	}
	if !started {
		return errors.New("scheduler not started")
	}
	s.fire(def)
	return nil
}

func (s *Service) record(r Run) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, r)
	if over := len(s.history) - historySize; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

func (s *Service) newCronLocked() *cron.Cron {
	cl := cronLogger{log: s.log}
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	for i := range s.defs {
		s.armLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short list of upcoming run times for an
// armed entry. Call with s.mu held.
func (s *Service) previewNextRunsLocked(id cron.EntryID, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || s.c == nil || id == 0 {
		return ""
	}
	e := s.c.Entry(id)
	if e.Schedule == nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = e.Schedule.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
