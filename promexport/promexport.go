// Package promexport exposes runtime events as Prometheus metrics.
package promexport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petal-labs/pipef/runtime"
)

const namespace = "pipef"

// Collector holds the pipef metric families. Feed it through Handle.
type Collector struct {
	ticks         *prometheus.CounterVec
	consumed      *prometheus.CounterVec
	produced      *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	iterations    prometheus.Histogram
	activeRuns    prometheus.Gauge
}

// New creates the metric families and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "ticks_total",
			Help:      "Stage ticks, reported when tick events are enabled",
		}, []string{"stage", "kind"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "consumed_total",
			Help:      "Data consumed by stages, reported when a stage ends",
		}, []string{"stage", "kind"}),
		produced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "produced_total",
			Help:      "Data produced by stages, reported when a stage ends",
		}, []string{"stage", "kind"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "failures_total",
			Help:      "Stage init, tick and finalize failures",
		}, []string{"stage", "phase"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "finished_total",
			Help:      "Finished runs by outcome",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Run duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"status"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "iterations",
			Help:      "Scheduler iterations per run",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "active",
			Help:      "Runs currently in progress",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.ticks, c.consumed, c.produced, c.stageFailures,
		c.runs, c.runDuration, c.iterations, c.activeRuns,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("promexport: register: %w", err)
		}
	}
	return c, nil
}

// Handle implements runtime.EventHandler semantics.
func (c *Collector) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		c.activeRuns.Inc()
	case runtime.EventStageTick:
		c.ticks.WithLabelValues(e.StageName, string(e.StageKind)).Inc()
	case runtime.EventStageEnded:
		if n, ok := e.Payload["consumed"].(uint64); ok {
			c.consumed.WithLabelValues(e.StageName, string(e.StageKind)).Add(float64(n))
		}
		if n, ok := e.Payload["produced"].(uint64); ok {
			c.produced.WithLabelValues(e.StageName, string(e.StageKind)).Add(float64(n))
		}
	case runtime.EventStageInitFailed:
		c.stageFailures.WithLabelValues(e.StageName, "init").Inc()
	case runtime.EventStageFailed:
		c.stageFailures.WithLabelValues(e.StageName, "tick").Inc()
	case runtime.EventStageFinalizeFailed:
		c.stageFailures.WithLabelValues(e.StageName, "finalize").Inc()
	case runtime.EventRunFinished:
		status, _ := e.Payload["status"].(string)
		c.activeRuns.Dec()
		c.runs.WithLabelValues(status).Inc()
		c.runDuration.WithLabelValues(status).Observe(e.Elapsed.Seconds())
		c.iterations.Observe(float64(e.Iteration))
	}
}

// Handler returns Handle as a runtime.EventHandler.
func (c *Collector) Handler() runtime.EventHandler {
	return c.Handle
}

// Server serves a registry on /metrics, plus /health.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer

	mu       sync.Mutex
	routes   []route
	server   *http.Server
	listener net.Listener
}

type route struct {
	pattern string
	handler http.Handler
}

// NewServer creates a server for addr, e.g. ":9090" or "127.0.0.1:0".
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	return &Server{addr: addr, gatherer: gatherer}
}

// Handle adds a route next to /metrics and /health. Call it before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, route{pattern: pattern, handler: handler})
}

// Mux returns the HTTP routes served by the server.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	for _, r := range s.routes {
		mux.Handle(r.pattern, r.handler)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("promexport: server already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("promexport: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func(srv *http.Server) {
		_ = srv.Serve(ln)
	}(s.server)
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	return err
}
