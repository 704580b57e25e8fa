package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cruisectl/internal/control"
	"cruisectl/internal/cruise"
	"cruisectl/internal/storage"
	logx "cruisectl/pkg/logx"
)

const nbp1700 = `
cruise: {id: NBP1700}
loggers:
  knud: {configs: ["off", "net"]}
  gyr1: {configs: ["off", "net"]}
modes:
  "off": {knud: "off", gyr1: "off"}
  port: {knud: "off", gyr1: net}
default_mode: "off"
configs:
  net: {writers: [{class: NetworkWriter}]}
`

type recorder struct {
	mu      sync.Mutex
	changes []Change
	fail    map[string]bool
}

func (r *recorder) Apply(_ context.Context, c Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[c.Key] {
		return errors.New("spawn failed")
	}
	r.changes = append(r.changes, c)
	return nil
}

func (r *recorder) take() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.changes
	r.changes = nil
	return out
}

func setup(t *testing.T) (*control.Server, *recorder, *Runner) {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	srv := control.New(store)
	def, err := cruise.ParseDefinition("nbp.yaml", []byte(nbp1700))
	require.NoError(t, err)
	_, err = srv.LoadCruise(context.Background(), def)
	require.NoError(t, err)

	rec := &recorder{fail: map[string]bool{}}
	return srv, rec, New(srv, rec, logx.Nop())
}

func TestStartReconciles(t *testing.T) {
	ctx := context.Background()
	srv, rec, r := setup(t)

	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	changes := rec.take()
	require.Len(t, changes, 2)
	assert.Equal(t, "NBP1700:gyr1", changes[0].Key)
	assert.Equal(t, "gyr1", changes[0].Logger)
	assert.Equal(t, "off", changes[0].To.Name)

	recs, err := srv.Statuses(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	var rep Report
	require.NoError(t, json.Unmarshal(recs[0].Payload, &rep))
	assert.Equal(t, "start", rep.Reason)
	assert.Equal(t, map[string]string{"NBP1700:knud": "off", "NBP1700:gyr1": "off"}, rep.Loggers)
}

func TestSignalAppliesOnlyDifference(t *testing.T) {
	ctx := context.Background()
	srv, rec, r := setup(t)
	require.NoError(t, r.Start(ctx))
	defer r.Stop()
	rec.take()

	require.NoError(t, srv.SetMode(ctx, "NBP1700", "port"))
	assert.Empty(t, rec.take(), "mutations alone do not wake the runner")

	assert.Zero(t, srv.SignalUpdate(ctx, "NBP1700"))
	changes := rec.take()
	require.Len(t, changes, 1)
	assert.Equal(t, "NBP1700:gyr1", changes[0].Key)
	assert.Equal(t, "off", changes[0].From.Name)
	assert.Equal(t, "net", changes[0].To.Name)
	assert.JSONEq(t, `{"writers":[{"class":"NetworkWriter"}]}`, string(changes[0].To.Spec))
}

func TestDeleteStopsLoggers(t *testing.T) {
	ctx := context.Background()
	srv, rec, r := setup(t)
	require.NoError(t, r.Start(ctx))
	defer r.Stop()
	rec.take()

	require.NoError(t, srv.DeleteCruise(ctx, "NBP1700"))
	srv.SignalUpdate(ctx, "NBP1700")

	changes := rec.take()
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.True(t, c.Stop)
	}
	assert.Empty(t, r.Applied())
}

func TestFailedApplyIsRetried(t *testing.T) {
	ctx := context.Background()
	srv, rec, r := setup(t)
	rec.fail["NBP1700:knud"] = true

	err := r.Start(ctx)
	require.Error(t, err)
	defer r.Stop()
	assert.NotContains(t, r.Applied(), "NBP1700:knud")

	recs, err := srv.Statuses(ctx, 1)
	require.NoError(t, err)
	var rep Report
	require.NoError(t, json.Unmarshal(recs[0].Payload, &rep))
	assert.Contains(t, rep.Failed, "NBP1700:knud")

	rec.take()
	delete(rec.fail, "NBP1700:knud")
	_, err = r.Reconcile(ctx, "retry")
	require.NoError(t, err)
	changes := rec.take()
	require.Len(t, changes, 1)
	assert.Equal(t, "NBP1700:knud", changes[0].Key)
}

func TestStopUnregisters(t *testing.T) {
	ctx := context.Background()
	srv, rec, r := setup(t)
	require.NoError(t, r.Start(ctx))
	rec.take()
	r.Stop()

	require.NoError(t, srv.SetMode(ctx, "NBP1700", "port"))
	srv.SignalUpdate(ctx, "NBP1700")
	assert.Empty(t, rec.take())
}

func TestDiffSkipsUnassigned(t *testing.T) {
	applied := map[string]cruise.Config{"NBP1700:knud": {Name: "off"}}
	desired := map[string]cruise.Config{
		"NBP1700:knud": {},
		"NBP1700:gyr1": {},
	}
	changes := diff(applied, desired)
	require.Len(t, changes, 1)
	assert.Equal(t, "NBP1700:knud", changes[0].Key)
	assert.True(t, changes[0].Stop)
}
