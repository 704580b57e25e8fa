package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cruisectl/internal/diag"
	logx "cruisectl/pkg/logx"
)

type fakeSwitcher struct {
	mu      sync.Mutex
	calls   []string
	failFor string
}

func (f *fakeSwitcher) SetMode(_ context.Context, id, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "set:"+id+":"+mode)
	if id == f.failFor {
		return errors.New("no such cruise")
	}
	return nil
}

func (f *fakeSwitcher) SignalUpdate(_ context.Context, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "signal:"+id)
	return 0
}

func (f *fakeSwitcher) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		src   string
		bad   bool
	}{
		{in: "0 8 * * *", kind: SpecCron, src: "cron"},
		{in: "@hourly", kind: SpecCron, src: "cron"},
		{in: "cron:*/5 * * * *", kind: SpecCron, src: "cron"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute, src: "duration"},
		{in: "02:30", kind: SpecInterval, every: 150 * time.Minute, src: "hhmm"},
		{in: "every:01:00", kind: SpecInterval, every: time.Hour, src: "hhmm"},
		{in: "interval:90s", kind: SpecInterval, every: 90 * time.Second, src: "duration"},
		{in: "", bad: true},
		{in: "01:75", bad: true},
		{in: "0s", bad: true},
		{in: "soon", bad: true},
		{in: "cron:", bad: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			ps, err := ParseSchedule(tc.in)
			if tc.bad {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, ps.Kind)
			assert.Equal(t, tc.src, ps.Source)
			if tc.kind == SpecInterval {
				assert.Equal(t, tc.every, ps.Every)
				assert.Equal(t, "@every "+tc.every.String(), ps.CronSpec())
			}
		})
	}
}

func TestReplaceIsAllOrNothing(t *testing.T) {
	s := New(Config{}, &fakeSwitcher{}, logx.Nop())

	require.NoError(t, s.Replace([]Schedule{
		{Name: "a", Cruise: "NBP1700", Mode: "port", Spec: "0 8 * * *"},
	}))

	err := s.Replace([]Schedule{
		{Name: "b", Cruise: "NBP1700", Mode: "off", Spec: "0 20 * * *"},
		{Name: "c", Cruise: "NBP1700", Mode: "off", Spec: "61 * * * *"},
		{Name: "b", Cruise: "NBP1700", Mode: "off", Spec: "1h"},
	})
	require.Error(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.Equal(t, "a", snap.Schedules[0].Name)
}

func TestRunNow(t *testing.T) {
	sw := &fakeSwitcher{failFor: "GONE"}
	m := diag.NewMetrics()
	s := New(Config{Enabled: true, Timezone: "UTC"}, sw, logx.Nop(), WithMetrics(m))
	require.NoError(t, s.Add(Schedule{Name: "port", Cruise: "NBP1700", Mode: "port", Spec: "0 8 * * *"}))
	require.NoError(t, s.Add(Schedule{Name: "gone", Cruise: "GONE", Mode: "port", Spec: "0 8 * * *"}))

	assert.Error(t, s.RunNow("port"), "not started")

	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.RunNow("port"))
	require.NoError(t, s.RunNow("gone"))
	assert.Error(t, s.RunNow("missing"))

	assert.Equal(t, []string{"set:NBP1700:port", "signal:NBP1700", "set:GONE:port"}, sw.snapshot())

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.History, 2)
	assert.Empty(t, snap.History[0].Err)
	assert.NotEmpty(t, snap.History[1].Err)

	counts := m.Snapshot()
	assert.Equal(t, int64(2), counts["cruisectl_scheduled_switches_total"])
	assert.Equal(t, int64(1), counts["cruisectl_scheduled_errors_total"])
}

func TestCronFires(t *testing.T) {
	sw := &fakeSwitcher{}
	s := New(Config{Enabled: true}, sw, logx.Nop())
	require.NoError(t, s.Add(Schedule{Name: "tick", Cruise: "c1", Mode: "m", Spec: "* * * * * *"}))

	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		return len(sw.snapshot()) >= 2
	}, 3*time.Second, 50*time.Millisecond)

	calls := sw.snapshot()
	assert.Equal(t, "set:c1:m", calls[0])
	assert.Equal(t, "signal:c1", calls[1])
}

func TestRemoveAndRestart(t *testing.T) {
	s := New(Config{Enabled: true}, &fakeSwitcher{}, logx.Nop())
	require.NoError(t, s.Add(Schedule{Name: "a", Cruise: "c1", Mode: "m", Spec: "30m"}))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	assert.False(t, snap.Schedules[0].Next.IsZero())

	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	assert.Equal(t, "UTC", s.Snapshot().Timezone)
	assert.Len(t, s.Snapshot().Schedules, 1)

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.Empty(t, s.Snapshot().Schedules)
}
