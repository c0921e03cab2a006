package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainchat",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainchat",
		Name:      "http_request_errors_total",
		Help:      "HTTP requests answered with a 5xx status.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chainchat",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"handler", "method"})

	dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainchat",
		Name:      "dispatches_total",
		Help:      "Chat turns by tool and result kind.",
	}, []string{"tool", "kind"})

	outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainchat",
		Name:      "transaction_outcomes_total",
		Help:      "Transaction outcomes applied to dispatch records, by outcome code.",
	}, []string{"code"})
)

func init() {
	registry.MustRegister(
		httpRequests, httpErrors, httpLatency, dispatches, outcomes,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveDispatch counts one chat turn. tool is empty for plain replies.
func ObserveDispatch(tool, kind string) {
	if tool == "" {
		tool = "none"
	}
	dispatches.WithLabelValues(tool, kind).Inc()
}

// ObserveOutcome counts one applied transaction outcome.
func ObserveOutcome(code string) {
	outcomes.WithLabelValues(code).Inc()
}

// Registry exposes the collectors, mainly for tests.
func Registry() *prometheus.Registry { return registry }

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
