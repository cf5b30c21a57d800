// Package api implements the api sub-command.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/waveyops/ledgerwatch/api"
	v1 "github.com/waveyops/ledgerwatch/api/v1"
	"github.com/waveyops/ledgerwatch/cmd/common"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/storage"
)

const (
	moduleName = "api"
)

var (
	// Path to the configuration file.
	configFile string

	apiCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the ledgerwatch status API",
		Run:   runServer,
	}
)

func runServer(cmd *cobra.Command, args []string) {
	// Initialize config.
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}

	// Initialize common environment.
	if err = common.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}
	logger := common.RootLogger()

	if cfg.Server == nil {
		logger.Error("server config not provided")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := Init(cfg.Server)
	if err != nil {
		os.Exit(1)
	}
	if err := service.Run(ctx); err != nil {
		os.Exit(1)
	}
}

// Init initializes the API service.
func Init(cfg *config.ServerConfig) (*Service, error) {
	logger := common.RootLogger()

	service, err := NewService(cfg)
	if err != nil {
		logger.Error("service failed to start",
			"error", err,
		)
		return nil, err
	}
	return service, nil
}

// Service is the ledgerwatch status API service.
type Service struct {
	server string
	api    *api.StatusAPI
	target storage.TargetStorage
	logger *log.Logger
}

// NewService creates a new API service.
func NewService(cfg *config.ServerConfig) (*Service, error) {
	logger := common.RootLogger().WithModule(moduleName)

	// Initialize target storage.
	client, err := common.NewClient(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	return &Service{
		server: cfg.Endpoint,
		api:    api.NewStatusAPI(v1.NewStorageClient(client), logger),
		target: client,
		logger: logger,
	}, nil
}

// Run serves the API until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	defer s.target.Close()
	s.logger.Info("starting api service at " + s.server)

	server := &http.Server{
		Addr:           s.server,
		Handler:        s.api.Router(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
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
		s.logger.Error("shutting down",
			"error", err,
		)
		return err
	}
}

// Register registers the process sub-command.
func Register(parentCmd *cobra.Command) {
	apiCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	parentCmd.AddCommand(apiCmd)
}
