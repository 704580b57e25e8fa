package diag

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "cruisectl/pkg/logx"
)

func TestNilMetricsCountNothing(t *testing.T) {
	var m *Metrics
	m.IncEdit()
	m.IncModeSwitch()
	assert.Empty(t, m.Snapshot())
}

func TestWritePrometheus(t *testing.T) {
	m := NewMetrics()
	m.IncModeSwitch()
	m.IncModeSwitch()
	m.IncValidationError()

	var sb strings.Builder
	m.WritePrometheus(&sb, Gauge{Name: "cruisectl_cruises", Help: "Cruises held.", Value: 3})
	out := sb.String()
	assert.Contains(t, out, "# TYPE cruisectl_mode_switches_total counter\ncruisectl_mode_switches_total 2\n")
	assert.Contains(t, out, "cruisectl_validation_errors_total 1\n")
	assert.Contains(t, out, "# TYPE cruisectl_cruises gauge\ncruisectl_cruises 3\n")
}

func TestHandler(t *testing.T) {
	m := NewMetrics()
	m.IncCruiseLoaded()
	s := NewServer(Config{}, m, func() []Gauge {
		return []Gauge{{Name: "cruisectl_observers", Help: "Registered observers.", Value: 1}}
	}, logx.Nop())
	ts := httptest.NewServer(s.Handler(Config{}))
	defer ts.Close()

	body := get(t, ts.URL+"/healthz", "", http.StatusOK)
	assert.Equal(t, "ok", body)

	body = get(t, ts.URL+"/metrics", "", http.StatusOK)
	assert.Contains(t, body, "cruisectl_cruises_loaded_total 1")
	assert.Contains(t, body, "cruisectl_observers 1")

	get(t, ts.URL+"/debug/pprof/", "", http.StatusNotFound)
}

func TestHandlerToken(t *testing.T) {
	s := NewServer(Config{}, nil, nil, logx.Nop())
	ts := httptest.NewServer(s.Handler(Config{Token: "s3cret", Pprof: true}))
	defer ts.Close()

	get(t, ts.URL+"/healthz", "", http.StatusUnauthorized)
	get(t, ts.URL+"/healthz?token=nope", "", http.StatusUnauthorized)
	get(t, ts.URL+"/healthz?token=s3cret", "", http.StatusOK)
	get(t, ts.URL+"/healthz", "Bearer s3cret", http.StatusOK)
	get(t, ts.URL+"/debug/pprof/", "Bearer s3cret", http.StatusOK)
}

func TestServerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, NewMetrics(), nil, logx.Nop())
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	body := get(t, "http://"+s.Addr()+"/healthz", "", http.StatusOK)
	assert.Equal(t, "ok", body)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	assert.Nil(t, s.Supervisor())
	assert.Empty(t, s.Addr())
}

func TestRefusesInsecureBind(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:6070"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":6070"))
	assert.False(t, isLoopbackAddr("10.0.0.1:6070"))
	assert.False(t, isLoopbackAddr("nope"))
}

func get(t *testing.T, url, auth string, want int) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, want, resp.StatusCode, string(b))
	return string(b)
}
