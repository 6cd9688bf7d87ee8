package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fleetdash/internal/config"
	"fleetdash/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

func NewHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// NewMetricsServer serves m at /metrics, or returns nil when the metrics
// port is disabled.
func NewMetricsServer(cfg config.Config, m *metrics.Metrics) *http.Server {
	if cfg.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	m.RegisterMetrics(mux)
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Run serves srv until ctx is done, then shuts it down gracefully. TLS is
// used when both certificate files are given.
func Run(ctx context.Context, srv *http.Server, certFile, keyFile string) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
