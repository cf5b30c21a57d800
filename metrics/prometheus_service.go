// Package metrics contains the prometheus infrastructure.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waveyops/ledgerwatch/log"
)

const (
	moduleName = "metrics"
)

// PullService is a service that supports the Prometheus pull method.
type PullService struct {
	pullEndpoint string
	logger       *log.Logger
}

// Run serves /metrics until ctx is cancelled.
func (s *PullService) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:           s.pullEndpoint,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving metrics", "endpoint", s.pullEndpoint)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx) //nolint:contextcheck
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("metrics server stopped", "err", err)
		return err
	}
}

// Creates a new Prometheus pull service.
func NewPullService(pullEndpoint string, logger *log.Logger) (*PullService, error) {
	return &PullService{
		pullEndpoint: pullEndpoint,
		logger:       logger.WithModule(moduleName),
	}, nil
}
