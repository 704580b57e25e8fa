package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "cruisectl/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file: {enabled: false, path: ./cruisectl.log}
storage:
  driver: sqlite
  path: ./cruisectl.db
  busy_timeout: 2s
cruises:
  files: [./cruises/NBP1700.yaml]
  watch: true
schedules:
  - {name: port-morning, cruise: NBP1700, mode: port, spec: "0 8 * * *"}
scheduler:
  enabled: true
  timezone: UTC
status:
  log_rate_per_sec: 5
diag:
  enabled: true
  addr: 127.0.0.1:6070
  pprof: true
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("cruisectl.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, []string{"./cruises/NBP1700.yaml"}, cfg.Cruises.Files)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "port", cfg.Schedules[0].Mode)
	assert.Equal(t, 5, cfg.Status.LogRatePerSec)
	assert.True(t, cfg.Diag.Pprof)
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name, path, src string
	}{
		{"unknown field", "c.json", `{"logging":{"level":"info"},"telegram":{}}`},
		{"trailing data", "c.json", `{} {}`},
		{"bad driver", "c.json", `{"storage":{"driver":"redis"}}`},
		{"sqlite without path", "c.json", `{"storage":{"driver":"sqlite"}}`},
		{"etcd without endpoints", "c.json", `{"storage":{"driver":"etcd"}}`},
		{"bad duration", "c.json", `{"storage":{"driver":"sqlite","path":"x.db","busy_timeout":"soon"}}`},
		{"duplicate schedule", "c.yaml", "schedules:\n  - {name: a, cruise: c, mode: m, spec: '@hourly'}\n  - {name: a, cruise: c, mode: m, spec: '@hourly'}\n"},
		{"schedule without mode", "c.yaml", "schedules:\n  - {name: a, cruise: c, spec: '@hourly'}\n"},
		{"bad timezone", "c.json", `{"scheduler":{"timezone":"Mars/Olympus"}}`},
		{"negative diag timeout", "c.json", `{"diag":{"idle_timeout":"-1s"}}`},
		{"announce without port", "c.json", `{"announce":{"addr":"6225"}}`},
		{"negative announce retries", "c.json", `{"announce":{"addr":":6225","retries":-1}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.path, []byte(tc.src))
			assert.Error(t, err)
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("b.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _, scheds := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)
	assert.Empty(t, scheds)

	newCfg.Logging.Level = "warn"
	newCfg.Schedules[0].Mode = "off"
	newCfg.Schedules = append(newCfg.Schedules, ScheduleConfig{Name: "night", Cruise: "NBP1700", Mode: "off", Spec: "0 20 * * *"})
	newCfg.Diag.Token = "secret"

	changed, attrs, scheds := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"diag", "logging", "schedules"}, changed)
	assert.Equal(t, []string{"night", "port-morning"}, scheds)
	var buf bytes.Buffer
	logx.NewJSON(&buf, "info").Info("config changed", attrs...)
	assert.Contains(t, buf.String(), `"diag.token_set":true`)
	assert.NotContains(t, buf.String(), "secret")
}

func TestSectionTimeouts(t *testing.T) {
	var nilStorage *StorageConfig
	st, err := nilStorage.Timeouts()
	require.NoError(t, err)
	assert.Equal(t, StorageTimeouts{Busy: DefaultBusyTimeout, Dial: DefaultDialTimeout}, st)

	st, err = (&StorageConfig{Driver: "sqlite", BusyTimeout: "150ms", DialTimeout: "0s"}).Timeouts()
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, st.Busy)
	assert.Equal(t, DefaultDialTimeout, st.Dial)

	_, err = (&StorageConfig{Driver: "etcd", DialTimeout: "-1s"}).Timeouts()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.dial_timeout")

	dt, err := DiagConfig{WriteTimeout: "2m"}.Timeouts()
	require.NoError(t, err)
	assert.Equal(t, DiagTimeouts{Read: DefaultDiagReadTimeout, Write: 2 * time.Minute, Idle: DefaultDiagIdleTimeout}, dt)

	_, err = DiagConfig{ReadTimeout: "soon", IdleTimeout: "-5s"}.Timeouts()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diag.read_timeout")
	assert.Contains(t, err.Error(), "diag.idle_timeout")
}

func TestManagerLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cruisectl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: {level: info}\n"), 0o644))

	m := NewConfigManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Same(t, cfg, m.Get())

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	select {
	case <-m.Watching():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never attached")
	}
	require.NoError(t, os.WriteFile(path, []byte("logging: {level: debug}\n"), 0o644))

	select {
	case got := <-ch:
		assert.Equal(t, "debug", got.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published after file change")
	}
}

func TestManagerValidatorRejects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644))
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	assert.False(t, m.reload(context.Background()))
	assert.Equal(t, "info", m.Get().Logging.Level)

	m.SetValidator(nil)
	assert.True(t, m.reload(context.Background()))
	assert.Equal(t, "debug", m.Get().Logging.Level)
	assert.False(t, m.reload(context.Background()), "unchanged content is not republished")
}

func TestBackoffCaps(t *testing.T) {
	b := NewBackoff()
	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.Next()
	}
	assert.LessOrEqual(t, last, restartBackoffMax+restartBackoffMax/2)
	b.Reset()
	assert.Less(t, b.Next(), restartBackoffBase*2)
}
