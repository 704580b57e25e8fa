package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Config is the cruisectl process configuration.
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Cruises   CruisesConfig    `json:"cruises"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Status    StatusConfig     `json:"status"`
	Diag      DiagConfig       `json:"diag,omitempty"`
	Announce  AnnounceConfig   `json:"announce,omitempty"`
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

// StorageConfig selects and configures the state backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cruisectl.db", "busy_timeout": "2s" }
//
// A nil section means the in-memory backend.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	Endpoints   []string `json:"endpoints,omitempty"`    // etcd
	Prefix      string   `json:"prefix,omitempty"`       // etcd
	DialTimeout string   `json:"dial_timeout,omitempty"` // etcd
}

// CruisesConfig lists cruise definition files loaded at startup.
type CruisesConfig struct {
	Files []string `json:"files,omitempty"`
	// Watch reloads a file whenever it changes on disk.
	Watch bool `json:"watch,omitempty"`
}

// ScheduleConfig switches a cruise into a mode on a schedule.
//
// Spec accepts a 5-field cron expression, an "@every"/"@daily" descriptor,
// a Go duration ("90m") or an HH:MM interval ("01:30").
type ScheduleConfig struct {
	Name   string `json:"name"`
	Cruise string `json:"cruise"`
	Mode   string `json:"mode"`
	Spec   string `json:"spec"`
}

// SchedulerConfig controls the scheduled mode switch service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Trigger timezone; defaults to the local zone.
	Timezone string `json:"timezone,omitempty"`
}

type StatusConfig struct {
	// LogRatePerSec bounds how many status reports per second are logged at
	// info level. 0 means the default.
	LogRatePerSec int `json:"log_rate_per_sec,omitempty"`
}

// AnnounceConfig sends one timestamped JSON line per applied logger change.
// An empty Addr turns it off; ":port" broadcasts over UDP, "host:port" uses
// TCP.
type AnnounceConfig struct {
	Addr       string `json:"addr,omitempty"`
	Retries    int    `json:"retries,omitempty"`
	TimeFormat string `json:"time_format,omitempty"` // Go layout
}

// DiagConfig controls the optional diagnostics HTTP listener.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6070").
//   - Binding to a non-loopback address requires a token or allow_insecure.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6070"
	Pprof         bool   `json:"pprof,omitempty"` // mount /debug/pprof/
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Timeouts used when the config leaves a field empty or zero.
const (
	DefaultBusyTimeout = time.Second
	DefaultDialTimeout = 5 * time.Second

	DefaultDiagReadTimeout = 5 * time.Second
	// pprof profiles stream for up to 30s by default
	DefaultDiagWriteTimeout = 60 * time.Second
	DefaultDiagIdleTimeout  = 60 * time.Second
)

// StorageTimeouts holds the parsed storage durations.
type StorageTimeouts struct {
	Busy time.Duration // sqlite busy_timeout
	Dial time.Duration // etcd dial
}

// Timeouts parses busy_timeout and dial_timeout. A nil section yields the
// defaults.
func (s *StorageConfig) Timeouts() (StorageTimeouts, error) {
	if s == nil {
		return StorageTimeouts{Busy: DefaultBusyTimeout, Dial: DefaultDialTimeout}, nil
	}
	busy, errBusy := timeout("storage.busy_timeout", s.BusyTimeout, DefaultBusyTimeout)
	dial, errDial := timeout("storage.dial_timeout", s.DialTimeout, DefaultDialTimeout)
	return StorageTimeouts{Busy: busy, Dial: dial}, errors.Join(errBusy, errDial)
}

// DiagTimeouts holds the parsed diagnostics listener durations.
type DiagTimeouts struct {
	Read, Write, Idle time.Duration
}

func (d DiagConfig) Timeouts() (DiagTimeouts, error) {
	read, errRead := timeout("diag.read_timeout", d.ReadTimeout, DefaultDiagReadTimeout)
	write, errWrite := timeout("diag.write_timeout", d.WriteTimeout, DefaultDiagWriteTimeout)
	idle, errIdle := timeout("diag.idle_timeout", d.IdleTimeout, DefaultDiagIdleTimeout)
	return DiagTimeouts{Read: read, Write: write, Idle: idle}, errors.Join(errRead, errWrite, errIdle)
}

// timeout parses a duration field named key. Empty or "0s" selects def.
func timeout(key, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", key, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}

var validDrivers = map[string]bool{"": true, "memory": true, "file": true, "sqlite": true, "sqlite3": true, "etcd": true}

// Validate checks the config for mistakes that would only surface later at
// runtime. It does not touch the filesystem or the network.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if s := c.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		if !validDrivers[driver] {
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if (driver == "file" || driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(s.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path: required for driver %q", driver))
		}
		if driver == "etcd" && len(s.Endpoints) == 0 {
			errs = append(errs, errors.New("storage.endpoints: required for driver \"etcd\""))
		}
		if _, err := s.Timeouts(); err != nil {
			errs = append(errs, err)
		}
	}

	for i, f := range c.Cruises.Files {
		if strings.TrimSpace(f) == "" {
			errs = append(errs, fmt.Errorf("cruises.files[%d]: empty path", i))
		}
	}

	seen := map[string]bool{}
	for i, sc := range c.Schedules {
		at := fmt.Sprintf("schedules[%d]", i)
		switch {
		case strings.TrimSpace(sc.Name) == "":
			errs = append(errs, fmt.Errorf("%s.name: required", at))
		case seen[sc.Name]:
			errs = append(errs, fmt.Errorf("%s.name: duplicate schedule %q", at, sc.Name))
		}
		seen[sc.Name] = true
		if strings.TrimSpace(sc.Cruise) == "" {
			errs = append(errs, fmt.Errorf("%s.cruise: required", at))
		}
		if strings.TrimSpace(sc.Mode) == "" {
			errs = append(errs, fmt.Errorf("%s.mode: required", at))
		}
		if strings.TrimSpace(sc.Spec) == "" {
			errs = append(errs, fmt.Errorf("%s.spec: required", at))
		}
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if c.Status.LogRatePerSec < 0 {
		errs = append(errs, errors.New("status.log_rate_per_sec: must be >= 0"))
	}

	if _, err := c.Diag.Timeouts(); err != nil {
		errs = append(errs, err)
	}

	if addr := strings.TrimSpace(c.Announce.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("announce.addr: %w", err))
		}
	}
	if c.Announce.Retries < 0 {
		errs = append(errs, errors.New("announce.retries: must be >= 0"))
	}

	return errors.Join(errs...)
}
