// Package metrics exposes the Prometheus metrics of the fetch pipeline.
// Metrics are defined with promauto in the packages that update them
// (quota, remote, fetch); this package serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer every qfetch metric is registered with.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	return mux
}

// Server serves Handler until its context is cancelled.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger zerolog.Logger
}

// Listen binds addr. Use ":0" for an ephemeral port.
func Listen(addr string, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	return &Server{
		srv:    &http.Server{Handler: Handler(), ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.srv.Serve(s.ln)
	}()
	s.logger.Info().Str("addr", s.Addr()).Msg("Metrics server listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	return nil
}

// Metrics Documentation
//
// Quota Metrics (pkg/quota):
//   - qfetch_quota_in_flight{class} (Gauge): Permits currently held
//   - qfetch_quota_window_requests{class} (Gauge): Requests in the sliding window
//   - qfetch_quota_wait_seconds{class} (Histogram): Time waited for a permit
//   - qfetch_quota_timeouts_total{class} (Counter): Permits abandoned after the maximum wait
//   - qfetch_quota_rate_limited_total{class} (Counter): Rate-limit rejections reported
//
// Request Metrics (pkg/remote):
//   - qfetch_remote_requests_total{kind, status} (Counter): Remote calls by kind and HTTP status
//   - qfetch_remote_request_duration_seconds{kind} (Histogram): Remote call duration
//
// Retry Metrics (pkg/fetch):
//   - qfetch_retries_total{error_class} (Counter): Retry attempts by error class
//   - qfetch_retry_backoff_seconds{error_class} (Histogram): Backoff or cool-down before a retry
//   - qfetch_retry_exhausted_total{error_class} (Counter): Chunks that exhausted a retry budget
//
// Pipeline Metrics (pkg/fetch):
//   - qfetch_chunks_total{state} (Counter): Chunks by terminal state
//   - qfetch_runs_total{status} (Counter): Runs by final status (complete, partial, partial_failure, aborted, error)
//   - qfetch_sink_rows_total (Counter): Rows committed to staging tables
//   - qfetch_sink_duplicates_total (Counter): Records dropped as duplicates
//   - qfetch_sink_flush_seconds (Histogram): Sink flush duration
//
// Example Prometheus Queries:
//
//   # Share of the hourly export budget in use
//   qfetch_quota_window_requests{class="export"} / 60
//
//   # Rate-limit rejections per minute
//   rate(qfetch_quota_rate_limited_total[5m]) * 60
//
//   # Duplicate ratio
//   rate(qfetch_sink_duplicates_total[5m]) /
//   (rate(qfetch_sink_rows_total[5m]) + rate(qfetch_sink_duplicates_total[5m]))
//
//   # P95 remote latency
//   histogram_quantile(0.95, rate(qfetch_remote_request_duration_seconds_bucket[5m]))
