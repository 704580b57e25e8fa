// Package loader installs cruise definition files into the control plane
// and, optionally, reloads them when they change on disk.
package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"cruisectl/internal/config"
	"cruisectl/internal/cruise"
	logx "cruisectl/pkg/logx"
)

const reloadDebounce = 250 * time.Millisecond

// Target is the part of the control plane the loader drives.
type Target interface {
	LoadCruise(ctx context.Context, def *cruise.Definition) (string, error)
	SignalUpdate(ctx context.Context, cruiseID string) int
}

// Result describes one file load.
type Result struct {
	Path   string
	Cruise string
	Err    error
}

type Loader struct {
	target Target
	log    logx.Logger

	mu     sync.Mutex
	files  []string
	loaded map[string]string // abs path -> cruise id
}

func New(target Target, log logx.Logger) *Loader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loader{target: target, log: log, loaded: map[string]string{}}
}

// SetFiles replaces the watched file list. Paths are made absolute.
func (l *Loader) SetFiles(files []string) {
	abs := make([]string, 0, len(files))
	for _, f := range files {
		if p, err := filepath.Abs(f); err == nil {
			f = p
		}
		if !slices.Contains(abs, f) {
			abs = append(abs, f)
		}
	}
	l.mu.Lock()
	l.files = abs
	l.mu.Unlock()
}

func (l *Loader) Files() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.files)
}

// Loaded returns the cruise id each file was last installed as.
func (l *Loader) Loaded() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.loaded))
	for k, v := range l.loaded {
		out[k] = v
	}
	return out
}

// LoadAll loads every configured file. A bad file does not stop the others;
// the returned error joins every failure.
func (l *Loader) LoadAll(ctx context.Context) ([]Result, error) {
	var errs []error
	files := l.Files()
	out := make([]Result, 0, len(files))
	for _, f := range files {
		r := l.LoadFile(ctx, f)
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
		out = append(out, r)
	}
	return out, errors.Join(errs...)
}

// LoadFile parses, validates and installs one file, then signals observers
// of that cruise. On failure whatever was installed before stays in place.
func (l *Loader) LoadFile(ctx context.Context, path string) Result {
	r := Result{Path: path}
	def, err := cruise.LoadFile(path)
	if err != nil {
		r.Err = err
		l.log.Warn("cruise file rejected", logx.String("path", path), logx.Err(err))
		return r
	}
	id, err := l.target.LoadCruise(ctx, def)
	if err != nil {
		r.Err = fmt.Errorf("%s: %w", path, err)
		l.log.Warn("cruise file rejected", logx.String("path", path), logx.Err(err))
		return r
	}
	r.Cruise = id

	l.mu.Lock()
	l.loaded[path] = id
	l.mu.Unlock()

	failures := l.target.SignalUpdate(ctx, id)
	l.log.Info("cruise file loaded",
		logx.String("path", path),
		logx.String("cruise", id),
		logx.Int("callback_failures", failures),
	)
	return r
}

// Watch reloads a configured file whenever it changes, until ctx is done.
// Every directory holding a configured file is watched; a broken watcher is
// restarted with backoff.
func (l *Loader) Watch(ctx context.Context) error {
	dirs := map[string]bool{}
	for _, f := range l.Files() {
		dirs[filepath.Dir(f)] = true
	}
	if len(dirs) == 0 {
		<-ctx.Done()
		return nil
	}

	var (
		timerMu sync.Mutex
		timers  = map[string]*time.Timer{}
	)
	schedule := func(path string) {
		timerMu.Lock()
		defer timerMu.Unlock()
		if t := timers[path]; t != nil {
			t.Stop()
		}
		timers[path] = time.AfterFunc(reloadDebounce, func() { l.LoadFile(ctx, path) })
	}
	defer func() {
		timerMu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		timerMu.Unlock()
	}()

	var wg sync.WaitGroup
	for dir := range dirs {
		wg.Add(1)
		go func(dir string) {
			defer wg.Done()
			l.watchDir(ctx, dir, schedule)
		}(dir)
	}
	wg.Wait()
	return nil
}

func (l *Loader) watchDir(ctx context.Context, dir string, schedule func(string)) {
	bo := config.NewBackoff()
	onEvent := func(name string) {
		p, err := filepath.Abs(name)
		if err != nil {
			p = name
		}
		if slices.Contains(l.Files(), p) {
			schedule(p)
		}
	}
	// after an overflow every file in dir may be stale
	onOverflow := func() {
		for _, f := range l.Files() {
			if filepath.Dir(f) == dir {
				schedule(f)
			}
		}
	}
	for ctx.Err() == nil {
		err := config.WatchDir(ctx, dir, l.log, bo.Reset, onEvent, onOverflow)
		if ctx.Err() != nil {
			return
		}
		wait := bo.Next()
		l.log.Warn("cruise watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
