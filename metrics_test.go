package voice

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("voice", reg)

	m.recordSession(true)
	m.recordSession(false)
	m.recordError(shared.CodeRateLimited)
	m.recordError(shared.CodeRateLimited)
	m.recordBargeIn()
	m.recordReconnect("ok")
	m.recordSynthesis("ok", 2*time.Second)
	m.recordSynthesis("stopped", 0)
	m.recordTransition(StateIdle, StateInitializing)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.errors.WithLabelValues("RATE_LIMITED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bargeIns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.synthesis.WithLabelValues("stopped")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("idle", "initializing")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetricsNilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.recordSession(true)
		m.recordError(shared.CodeUnknown)
		m.recordBargeIn()
		m.recordReconnect("ok")
		m.recordSynthesis("ok", time.Second)
		m.recordTransition(StateIdle, StateError)
	})
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("voice", reg)
	m.recordBargeIn()

	ln := fasthttputil.NewInmemoryListener()
	srv := NewMetricsServer(reg)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	get := func(path string) (int, string) {
		status, body, err := client.GetTimeout(nil, "http://metrics"+path, time.Second)
		require.NoError(t, err)
		return status, string(body)
	}

	tests := []struct {
		name     string
		path     string
		status   int
		contains string
	}{
		{"metrics", MetricsPath, fasthttp.StatusOK, "voice_barge_ins_total 1"},
		{"unknown path", "/debug", fasthttp.StatusNotFound, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := get(tt.path)
			assert.Equal(t, tt.status, status)
			assert.Contains(t, body, tt.contains)
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("metrics server did not stop")
	}
}
