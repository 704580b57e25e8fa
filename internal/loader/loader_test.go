package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cruisectl/internal/control"
	"cruisectl/internal/cruise"
	"cruisectl/internal/notify"
	"cruisectl/internal/storage"
	logx "cruisectl/pkg/logx"
)

const cruiseV1 = `
cruise: {id: NBP1700}
loggers:
  knud: {configs: ["off", "net"]}
modes:
  "off": {knud: "off"}
  port: {knud: net}
default_mode: "off"
`

const cruiseV2 = `
cruise: {id: NBP1700}
loggers:
  knud: {configs: ["off", "net"]}
modes:
  "off": {knud: "off"}
  port: {knud: net}
default_mode: port
`

func setup(t *testing.T) (*control.Server, *Loader, string) {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	srv := control.New(store)
	dir := t.TempDir()
	return srv, New(srv, logx.Nop()), dir
}

func write(t *testing.T, path, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
}

func TestLoadAll(t *testing.T) {
	ctx := context.Background()
	srv, l, dir := setup(t)

	good := filepath.Join(dir, "NBP1700.yaml")
	bad := filepath.Join(dir, "broken.yaml")
	write(t, good, cruiseV1)
	write(t, bad, "loggers: [not, a, map]\n")
	l.SetFiles([]string{good, bad, good})

	signals := 0
	srv.OnUpdate(notify.Wildcard, func(context.Context, notify.Update) error {
		signals++
		return nil
	}, nil)

	results, err := l.LoadAll(ctx)
	require.Error(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "NBP1700", results[0].Cruise)
	assert.NoError(t, results[0].Err)
	assert.True(t, cruise.IsInvalid(results[1].Err))
	assert.Equal(t, 1, signals)

	mode, err := srv.Mode(ctx, "NBP1700")
	require.NoError(t, err)
	assert.Equal(t, "off", mode)
	assert.Equal(t, map[string]string{good: "NBP1700"}, l.Loaded())
}

func TestLoadFileKeepsPreviousOnError(t *testing.T) {
	ctx := context.Background()
	srv, l, dir := setup(t)
	path := filepath.Join(dir, "NBP1700.yaml")

	write(t, path, cruiseV1)
	require.NoError(t, l.LoadFile(ctx, path).Err)

	write(t, path, cruiseV1+"\nconfigs: {net: {oops\n")
	assert.Error(t, l.LoadFile(ctx, path).Err)

	mode, err := srv.Mode(ctx, "NBP1700")
	require.NoError(t, err)
	assert.Equal(t, "off", mode)
}

func TestWatchReloads(t *testing.T) {
	srv, l, dir := setup(t)
	path := filepath.Join(dir, "NBP1700.yaml")
	write(t, path, cruiseV1)
	l.SetFiles([]string{path})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := l.LoadAll(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Watch(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	write(t, path, cruiseV2)

	assert.Eventually(t, func() bool {
		mode, err := srv.Mode(ctx, "NBP1700")
		return err == nil && mode == "port"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
