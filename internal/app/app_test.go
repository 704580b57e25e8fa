package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cruisectl/internal/config"
	"cruisectl/internal/record"
	"cruisectl/internal/runner"
	logx "cruisectl/pkg/logx"
)

const nbp1700 = `
cruise: {id: NBP1700}
loggers:
  knud: {configs: ["off", "net"]}
modes:
  "off": {knud: "off"}
  port: {knud: net}
default_mode: "off"
configs:
  net: {writers: [{class: NetworkWriter}]}
`

const baseConfig = `
logging: {level: error, console: true}
cruises: {files: [cruises/NBP1700.yaml]}
scheduler: {enabled: false}
`

type applied struct {
	mu      sync.Mutex
	changes []runner.Change
}

func (a *applied) Apply(_ context.Context, c runner.Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.changes = append(a.changes, c)
	return nil
}

func (a *applied) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.changes)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cruisectl.yaml")
	writeFile(t, filepath.Join(dir, "cruises", "NBP1700.yaml"), nbp1700)
	writeFile(t, cfgPath, baseConfig)

	ap := &applied{}
	a, err := NewApp(cfgPath, WithApplier(ap))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	select {
	case <-a.cfgm.Watching():
	default:
		t.Fatal("Start returned before the config watcher attached")
	}

	ids, err := a.Control().Cruises(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"NBP1700"}, ids)
	mode, err := a.Control().Mode(ctx, "NBP1700")
	require.NoError(t, err)
	assert.Equal(t, "off", mode)
	assert.Equal(t, 1, ap.len(), "runner reconciled the loaded cruise")

	recs, err := a.Control().Statuses(ctx, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, recs)

	// enable a schedule through a config reload
	writeFile(t, cfgPath, baseConfig+`
schedules: [{name: port-hourly, cruise: NBP1700, mode: port, spec: "@every 1h"}]
`)
	require.Eventually(t, func() bool {
		return len(a.Scheduler().Snapshot().Schedules) == 1
	}, 10*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
}

func TestNewAppRejectsBadSchedule(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cruisectl.json")
	writeFile(t, cfgPath, `{"schedules":[{"name":"x","cruise":"c","mode":"m","spec":"every tuesday"}]}`)

	_, err := NewApp(cfgPath)
	require.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "etcd", Endpoints: []string{"127.0.0.1:2379"}, DialTimeout: "2s"}})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, sc.DialTimeout)

	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "file"}})
	assert.Error(t, err)
	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis"}})
	assert.Error(t, err)
}

func TestCruiseFilesResolveAgainstConfigDir(t *testing.T) {
	cfg := &config.Config{Cruises: config.CruisesConfig{Files: []string{"a.yaml", " ", "/abs/b.json"}}}
	got := cruiseFiles("/etc/cruisectl/cruisectl.yaml", cfg)
	assert.Equal(t, []string{"/etc/cruisectl/a.yaml", "/abs/b.json"}, got)
}

func TestMapAnnounce(t *testing.T) {
	pipe, err := mapAnnounce(&config.Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, pipe)

	pipe, err = mapAnnounce(&config.Config{Announce: config.AnnounceConfig{Addr: ":6225", TimeFormat: time.RFC3339}}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, pipe)
	assert.IsType(t, &record.NetworkWriter{}, pipe.Writer)
	require.Len(t, pipe.Transforms, 1)
	assert.Equal(t, record.Timestamp{Format: time.RFC3339}, pipe.Transforms[0])

	_, err = mapAnnounce(&config.Config{Announce: config.AnnounceConfig{Addr: "6225"}}, logx.Nop())
	assert.Error(t, err)
}
