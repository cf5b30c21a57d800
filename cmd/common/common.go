// Package common implements common ledgerwatch command options.
package common

import (
	"context"
	"fmt"
	"io"
	stdLog "log"
	"os"

	"github.com/akrylysov/pogreb"

	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/metrics"
	"github.com/waveyops/ledgerwatch/storage/postgres"
)

var rootLogger = log.NewDefaultLogger("ledgerwatch")

// Init initializes the common environment.
func Init(cfg *config.Config) error {
	var w io.Writer = os.Stdout
	format := log.FmtJSON
	level := log.LevelDebug

	if cfg.Log != nil {
		var err error
		if w, err = getLoggingStream(cfg.Log); err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		if err := format.Set(cfg.Log.Format); err != nil {
			return err
		}
		if err := level.Set(cfg.Log.Level); err != nil {
			return err
		}
	}
	logger, err := log.NewLogger("ledgerwatch", w, format, level)
	if err != nil {
		return err
	}
	rootLogger = logger

	// Initialize pogreb logging.
	pogreb.SetLogger(stdLog.New(log.WriterIntoLogger(RootLogger().WithModule("pogreb")), "", 0))

	if cfg.Metrics != nil {
		promServer, err := metrics.NewPullService(cfg.Metrics.PullEndpoint, rootLogger)
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		go func() {
			_ = promServer.Run(context.Background())
		}()
		if cfg.Metrics.PprofEndpoint != "" {
			startPprof(cfg.Metrics.PprofEndpoint)
		}
	}
	return nil
}

// RootLogger returns the logger defined by logging flags.
func RootLogger() *log.Logger {
	return rootLogger
}

func getLoggingStream(cfg *config.LogConfig) (io.Writer, error) {
	if cfg == nil || cfg.File == "" {
		return os.Stdout, nil
	}
	w, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NewClient creates a new client to target storage.
func NewClient(cfg *config.StorageConfig, logger *log.Logger) (*postgres.Client, error) {
	var backend config.StorageBackend
	if err := backend.Set(cfg.Backend); err != nil {
		return nil, err
	}

	switch backend {
	case config.BackendPostgres:
		return postgres.NewClient(cfg.Endpoint, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %v", cfg.Backend)
	}
}
