package voice

import (
	"context"
	"net"
	"time"

	"github.com/bt-bridge/voice-core/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Metrics collects Service counters. A nil *Metrics records nothing.
type Metrics struct {
	sessions    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	bargeIns    prometheus.Counter
	reconnects  *prometheus.CounterVec
	synthesis   *prometheus.CounterVec
	latency     prometheus.Histogram
	transitions *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered, which is handy in tests.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Voice sessions by outcome of StartSession",
			},
			[]string{"result"},
		),
		errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Error events by code",
			},
			[]string{"code"},
		),
		bargeIns: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "barge_ins_total",
				Help:      "Synthesized speech interrupted by the user",
			},
		),
		reconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recognition_reconnects_total",
				Help:      "Recognition link reconnect attempts by result",
			},
			[]string{"result"},
		),
		synthesis: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "synthesis_requests_total",
				Help:      "Synthesis requests by result",
			},
			[]string{"result"},
		),
		latency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "synthesis_duration_seconds",
				Help:      "Time from enqueue to end of playback",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
			},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Service state transitions",
			},
			[]string{"from", "to"},
		),
	}
}

func (m *Metrics) recordSession(ok bool) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) recordError(code shared.ErrorCode) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) recordBargeIn() {
	if m == nil {
		return
	}
	m.bargeIns.Inc()
}

func (m *Metrics) recordReconnect(outcome string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordSynthesis(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.synthesis.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.latency.Observe(d.Seconds())
	}
}

func (m *Metrics) recordTransition(from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// MetricsPath is where MetricsServer exposes the gathered metrics.
const MetricsPath = "/metrics"

// MetricsServer serves a Prometheus gatherer over fasthttp.
type MetricsServer struct {
	server *fasthttp.Server
}

func NewMetricsServer(g prometheus.Gatherer) *MetricsServer {
	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &MetricsServer{server: &fasthttp.Server{
		Name:         "voice-metrics",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) != MetricsPath {
				ctx.Error("not found", fasthttp.StatusNotFound)
				return
			}
			metrics(ctx)
		},
	}}
}

// Serve blocks until ln is closed or Shutdown is called.
func (m *MetricsServer) Serve(ln net.Listener) error {
	return m.server.Serve(ln)
}

// ListenAndServe serves on the TCP address addr.
func (m *MetricsServer) ListenAndServe(addr string) error {
	return m.server.ListenAndServe(addr)
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.server.ShutdownWithContext(ctx)
}
