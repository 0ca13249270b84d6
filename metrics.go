package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/samber/oops"
)

type metrics struct {
	reg gometrics.Registry
}

// newMetrics wraps reg; a nil reg gets a fresh private registry.
func newMetrics(reg gometrics.Registry) *metrics {
	if reg == nil {
		reg = gometrics.NewRegistry()
	}
	return &metrics{reg: reg}
}

func (m *metrics) incr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

func (m *metrics) decr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}

func (m *metrics) count(name string) int64 {
	return gometrics.GetOrRegisterCounter(name, m.reg).Count()
}

func (m *metrics) writeOnce(w io.Writer) {
	gometrics.WriteJSONOnce(m.reg, w)
}

// report writes the registry as JSON to w on every tick until ctx is done.
func (m *metrics) report(ctx context.Context, every time.Duration, w io.Writer) {
	ticker := newMTicker(every)
	defer ticker.stop()
	m.reportTicks(ctx, ticker, w)
}

func (m *metrics) reportTicks(ctx context.Context, ticker *mTicker, w io.Writer) {
	sub := ticker.subscribe()
	defer ticker.unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			m.writeOnce(w)
			return
		case _, ok := <-sub.tick:
			if !ok {
				return
			}
			m.writeOnce(w)
			if dropped := ticker.droppedTicks(); dropped > 0 {
				gometrics.GetOrRegisterGauge("ticks.dropped", m.reg).Update(int64(dropped))
			}
		}
	}
}

// collector exposes the go-metrics registry to prometheus.
type collector struct {
	reg gometrics.Registry
}

// Describe sends nothing, which makes this an unchecked collector: the set
// of go-metrics names grows at runtime.
func (c collector) Describe(chan<- *prometheus.Desc) {}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	c.reg.Each(func(name string, i interface{}) {
		var value float64
		switch metric := i.(type) {
		case gometrics.Counter:
			value = float64(metric.Count())
		case gometrics.Gauge:
			value = float64(metric.Value())
		default:
			return
		}
		desc := prometheus.NewDesc(promName(name), "pushhub "+name, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value)
	})
}

func promName(name string) string {
	return "pushhub_" + strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// metricsServer serves /metrics and the health probes.
type metricsServer struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	isReady    func() bool
}

func newMetricsServer(addr string, m *metrics, isReady func() bool) *metricsServer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collector{reg: m.reg})
	return &metricsServer{addr: addr, registry: registry, isReady: isReady}
}

func (s *metricsServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz/liveness", func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, "ok\n")
	})
	mux.HandleFunc("/healthz/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if s.isReady == nil || s.isReady() {
			writeProbe(w, http.StatusOK, "ok\n")
			return
		}
		writeProbe(w, http.StatusServiceUnavailable, "not ready\n")
	})
	return mux
}

func writeProbe(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck // probe clients may disconnect
	w.Write([]byte(body))
}

// start listens and serves in the background. Serve errors are sent on the
// returned channel, which is closed when the server stops.
func (s *metricsServer) start() (<-chan error, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	srv := s.httpServer
	go func() {
		defer close(errCh)
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
			errCh <- err
		}
	}()
	slog.Info("metrics server started", "addr", listener.Addr().String())
	return errCh, nil
}

func (s *metricsServer) stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return oops.With("operation", "shutdown_metrics_server").Wrap(err)
	}
	return nil
}
