// Package metrics exposes the Prometheus metrics server for the tunnel
// core, following the shape of the teacher's metrics package: a small HTTP
// server serving /metrics and a readiness endpoint, wired to a registry the
// rest of the process updates.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds every Prometheus collector the server process updates.
type Metrics struct {
	RegisteredEdges  prometheus.Gauge
	PoolDepth        *prometheus.GaugeVec
	SpliceBytes      *prometheus.CounterVec
	DispatchLatency  prometheus.Histogram
	DispatchFastPath prometheus.Counter
	DispatchSlowPath prometheus.Counter
	DispatchErrors   *prometheus.CounterVec

	registeredEdgeCount func() int
}

// New constructs and registers every collector against a fresh registry.
func New(registeredEdgeCount func() int) *Metrics {
	m := &Metrics{
		RegisteredEdges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tunnelcore",
			Subsystem: "server",
			Name:      "registered_edges",
			Help:      "Number of edges currently registered.",
		}),
		PoolDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tunnelcore",
			Subsystem: "server",
			Name:      "pool_depth",
			Help:      "Idle tunnel pool depth per client_id.",
		}, []string{"client_id"}),
		SpliceBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelcore",
			Subsystem: "server",
			Name:      "splice_bytes_total",
			Help:      "Bytes relayed by direction.",
		}, []string{"direction"}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tunnelcore",
			Subsystem: "server",
			Name:      "dispatch_latency_seconds",
			Help:      "Latency from accept to tunnel acquisition.",
			Buckets:   prometheus.DefBuckets,
		}),
		DispatchFastPath: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunnelcore",
			Subsystem: "server",
			Name:      "dispatch_fast_path_total",
			Help:      "Public connections served from the idle pool.",
		}),
		DispatchSlowPath: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunnelcore",
			Subsystem: "server",
			Name:      "dispatch_slow_path_total",
			Help:      "Public connections served via a fresh RequestNewTunnel.",
		}),
		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnelcore",
			Subsystem: "server",
			Name:      "dispatch_errors_total",
			Help:      "Dispatch failures by kind.",
		}, []string{"kind"}),
		registeredEdgeCount: registeredEdgeCount,
	}
	return m
}

// Registry builds a prometheus.Registry with m's collectors plus the
// standard process/go collectors, mirroring metrics.Config's registration
// in the teacher.
func (m *Metrics) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		m.RegisteredEdges,
		m.PoolDepth,
		m.SpliceBytes,
		m.DispatchLatency,
		m.DispatchFastPath,
		m.DispatchSlowPath,
		m.DispatchErrors,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return reg
}

// Refresh updates gauges that reflect current state rather than counters.
func (m *Metrics) Refresh() {
	if m.registeredEdgeCount != nil {
		m.RegisteredEdges.Set(float64(m.registeredEdgeCount()))
	}
}

// Server serves /metrics and /healthz on addr until Shutdown is called.
type Server struct {
	httpServer *http.Server
	log        *zerolog.Logger
}

// NewServer builds (but does not start) the metrics HTTP server.
func NewServer(addr string, m *Metrics, log *zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		m.Refresh()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		log:        log,
	}
}

// ListenAndServe starts the metrics server. It blocks until the listener
// fails or Shutdown is called; net.Listener errors from an already-closed
// server are swallowed.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("metrics: listening")
	err = s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the metrics server within the given timeout.
func (s *Server) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}
