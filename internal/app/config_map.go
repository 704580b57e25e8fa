package app

import (
	"fmt"
	"path/filepath"
	"strings"

	"cruisectl/internal/config"
	"cruisectl/internal/diag"
	"cruisectl/internal/record"
	"cruisectl/internal/scheduler"
	"cruisectl/internal/storage"
	logx "cruisectl/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		to, err := sc.Timeouts()
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: to.Busy}, nil
	case "etcd":
		to, err := sc.Timeouts()
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{
			Driver:      "etcd",
			Endpoints:   append([]string(nil), sc.Endpoints...),
			Prefix:      strings.TrimSpace(sc.Prefix),
			DialTimeout: to.Dial,
		}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDiagConfig(cfg *config.Config) (diag.Config, error) {
	dc := cfg.Diag
	to, err := dc.Timeouts()
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Pprof:         dc.Pprof,
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		ReadTimeout:   to.Read,
		WriteTimeout:  to.Write,
		IdleTimeout:   to.Idle,
	}, nil
}

// mapAnnounce builds the change announcement pipeline. nil means off.
func mapAnnounce(cfg *config.Config, log logx.Logger) (*record.Pipeline, error) {
	ac := cfg.Announce
	addr := strings.TrimSpace(ac.Addr)
	if addr == "" {
		return nil, nil
	}
	w, err := record.NewNetworkWriter(addr, ac.Retries, log)
	if err != nil {
		return nil, fmt.Errorf("announce.addr: %w", err)
	}
	return &record.Pipeline{
		Transforms: []record.Transform{record.Timestamp{Format: strings.TrimSpace(ac.TimeFormat)}},
		Writer:     w,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapSchedules(cfg *config.Config) []scheduler.Schedule {
	out := make([]scheduler.Schedule, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		out = append(out, scheduler.Schedule{
			Name:   strings.TrimSpace(sc.Name),
			Cruise: strings.TrimSpace(sc.Cruise),
			Mode:   strings.TrimSpace(sc.Mode),
			Spec:   strings.TrimSpace(sc.Spec),
		})
	}
	return out
}

// cruiseFiles resolves relative cruise file paths against the config file's
// directory.
func cruiseFiles(cfgPath string, cfg *config.Config) []string {
	base := filepath.Dir(cfgPath)
	out := make([]string, 0, len(cfg.Cruises.Files))
	for _, f := range cfg.Cruises.Files {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !filepath.IsAbs(f) {
			f = filepath.Join(base, f)
		}
		out = append(out, filepath.Clean(f))
	}
	return out
}

// validateConfig checks what Config.Validate cannot: schedule expressions
// and the mapped service configs.
func validateConfig(cfg *config.Config) error {
	for _, sc := range cfg.Schedules {
		if _, err := scheduler.ParseSchedule(sc.Spec); err != nil {
			return fmt.Errorf("schedules[%s].spec: %w", sc.Name, err)
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return err
	}
	// the writer dials lazily, so building it here opens nothing
	if _, err := mapAnnounce(cfg, logx.Nop()); err != nil {
		return err
	}
	return nil
}
