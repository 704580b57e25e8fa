// Package runner is the reference update observer. It keeps a set of logger
// processes in line with the control plane's live config assignments and
// reports what it did as status.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"cruisectl/internal/cruise"
	"cruisectl/internal/notify"
	"cruisectl/internal/storage"
	logx "cruisectl/pkg/logx"
)

// Control is the part of the control plane the runner observes.
type Control interface {
	OnUpdate(cruiseID string, fn notify.Callback, args map[string]any) notify.Registration
	Unregister(r notify.Registration) bool
	Configs(ctx context.Context, id, mode string) (map[string]cruise.Config, error)
	UpdateStatus(ctx context.Context, payload json.RawMessage) (storage.StatusRecord, error)
}

// Change is one logger whose desired config differs from what was applied.
// Key is "cruise:logger". Stop is set when the logger has no config any more.
type Change struct {
	Key    string
	Cruise string
	Logger string
	From   cruise.Config
	To     cruise.Config
	Stop   bool
}

// Applier starts, restarts or stops one logger process.
type Applier interface {
	Apply(ctx context.Context, c Change) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, c Change) error

func (f ApplierFunc) Apply(ctx context.Context, c Change) error { return f(ctx, c) }

// Report is the status payload posted after every reconcile.
type Report struct {
	At      time.Time         `json:"at"`
	Reason  string            `json:"reason"`
	Loggers map[string]string `json:"loggers"`
	Applied []string          `json:"applied,omitempty"`
	Stopped []string          `json:"stopped,omitempty"`
	Failed  map[string]string `json:"failed,omitempty"`
}

type Runner struct {
	ctl     Control
	applier Applier
	log     logx.Logger
	now     func() time.Time

	// mu serializes reconciles; applied is what the applier last accepted.
	mu      sync.Mutex
	applied map[string]cruise.Config

	regMu sync.Mutex
	reg   *notify.Registration
}

func New(ctl Control, applier Applier, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		ctl:     ctl,
		applier: applier,
		log:     log,
		now:     time.Now,
		applied: map[string]cruise.Config{},
	}
}

// Start registers the runner for every cruise and reconciles once.
func (r *Runner) Start(ctx context.Context) error {
	r.regMu.Lock()
	if r.reg == nil {
		reg := r.ctl.OnUpdate(notify.Wildcard, r.onUpdate, map[string]any{"observer": "runner"})
		r.reg = &reg
	}
	r.regMu.Unlock()

	_, err := r.Reconcile(ctx, "start")
	return err
}

// Stop unregisters the runner. Applied processes are left alone.
func (r *Runner) Stop() {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	if r.reg != nil {
		r.ctl.Unregister(*r.reg)
		r.reg = nil
	}
}

func (r *Runner) onUpdate(ctx context.Context, u notify.Update) error {
	reason := "update"
	if u.Cruise != notify.Wildcard {
		reason = "update:" + u.Cruise
	}
	_, err := r.Reconcile(ctx, reason)
	return err
}

// Applied returns a copy of the last applied assignment.
func (r *Runner) Applied() map[string]cruise.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]cruise.Config, len(r.applied))
	for k, v := range r.applied {
		out[k] = v
	}
	return out
}

// Reconcile reads the live assignment of every cruise, applies the
// difference and posts a Report. Failed changes stay pending and are
// retried on the next reconcile.
func (r *Runner) Reconcile(ctx context.Context, reason string) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desired, err := r.ctl.Configs(ctx, "", "")
	if err != nil {
		return Report{}, err
	}

	rep := Report{At: r.now(), Reason: reason, Loggers: map[string]string{}}
	var errs []error
	for _, c := range diff(r.applied, desired) {
		if err := r.applier.Apply(ctx, c); err != nil {
			if rep.Failed == nil {
				rep.Failed = map[string]string{}
			}
			rep.Failed[c.Key] = err.Error()
			errs = append(errs, err)
			r.log.Warn("apply failed", logx.String("logger", c.Key), logx.String("config", c.To.Name), logx.Err(err))
			continue
		}
		if c.Stop {
			delete(r.applied, c.Key)
			rep.Stopped = append(rep.Stopped, c.Key)
		} else {
			r.applied[c.Key] = c.To
			rep.Applied = append(rep.Applied, c.Key)
		}
	}
	for k, cfg := range r.applied {
		rep.Loggers[k] = cfg.Name
	}

	payload, err := json.Marshal(rep)
	if err != nil {
		return rep, err
	}
	if _, err := r.ctl.UpdateStatus(ctx, payload); err != nil {
		errs = append(errs, err)
	}
	r.log.Debug("reconciled",
		logx.String("reason", reason),
		logx.Int("applied", len(rep.Applied)),
		logx.Int("stopped", len(rep.Stopped)),
		logx.Int("failed", len(rep.Failed)),
	)
	return rep, errors.Join(errs...)
}

// diff returns the changes that turn applied into desired, sorted by key.
func diff(applied, desired map[string]cruise.Config) []Change {
	var out []Change
	for key, want := range desired {
		if want.IsZero() {
			continue
		}
		have, ok := applied[key]
		if ok && have.Name == want.Name && bytes.Equal(have.Spec, want.Spec) {
			continue
		}
		id, logger, _ := cruise.SplitKey(key)
		out = append(out, Change{Key: key, Cruise: id, Logger: logger, From: have, To: want})
	}
	for key, have := range applied {
		if want, ok := desired[key]; ok && !want.IsZero() {
			continue
		}
		id, logger, _ := cruise.SplitKey(key)
		out = append(out, Change{Key: key, Cruise: id, Logger: logger, From: have, Stop: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// LogApplier only logs what it would do. It stands in when process
// supervision is handled elsewhere.
func LogApplier(log logx.Logger) Applier {
	return ApplierFunc(func(_ context.Context, c Change) error {
		if c.Stop {
			log.Info("logger stop", logx.String("cruise", c.Cruise), logx.String("logger", c.Logger), logx.String("was", c.From.Name))
			return nil
		}
		log.Info("logger config",
			logx.String("cruise", c.Cruise),
			logx.String("logger", c.Logger),
			logx.String("from", c.From.Name),
			logx.String("to", c.To.Name),
		)
		return nil
	})
}
