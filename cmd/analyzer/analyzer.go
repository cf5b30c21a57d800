// Package analyzer implements the `analyze` sub-command.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres driver for golang_migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"       // support file scheme for golang_migrate
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/waveyops/ledgerwatch/analyzer"
	"github.com/waveyops/ledgerwatch/analyzer/blocktime"
	"github.com/waveyops/ledgerwatch/analyzer/gaugevotes"
	"github.com/waveyops/ledgerwatch/analyzer/governance"
	"github.com/waveyops/ledgerwatch/analyzer/harvests"
	"github.com/waveyops/ledgerwatch/analyzer/incentives"
	"github.com/waveyops/ledgerwatch/analyzer/retention"
	"github.com/waveyops/ledgerwatch/analyzer/staking"
	"github.com/waveyops/ledgerwatch/cache/kvstore"
	cmdCommon "github.com/waveyops/ledgerwatch/cmd/common"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
	"github.com/waveyops/ledgerwatch/metrics"
	"github.com/waveyops/ledgerwatch/notifier"
	"github.com/waveyops/ledgerwatch/notifier/telegram"
	"github.com/waveyops/ledgerwatch/storage"
	"github.com/waveyops/ledgerwatch/storage/eth"
)

const (
	moduleName = "analysis_service"
)

var (
	// Path to the configuration file.
	configFile string

	analyzeCmd = &cobra.Command{
		Use:   "analyze",
		Short: "Ingest contract events and run alert loops",
		Run:   runAnalyzer,
	}
)

func runAnalyzer(cmd *cobra.Command, args []string) {
	// Initialize config.
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("config init failed",
			"error", err,
		)
		os.Exit(1)
	}

	// Initialize common environment.
	if err = cmdCommon.Init(cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}
	logger := cmdCommon.RootLogger()

	if cfg.Analysis == nil {
		logger.Error("analysis config not provided")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := Init(ctx, cfg.Analysis)
	if err != nil {
		os.Exit(1)
	}
	if err := service.Run(ctx); err != nil {
		logger.Error("analysis service failed", "error", err)
		os.Exit(1)
	}
}

// RunMigrations brings the schema at connString up to date with the
// migrations at source.
func RunMigrations(source string, connString string) error {
	m, err := migrate.New(source, connString)
	if err != nil {
		return fmt.Errorf("migrator failed to start: %w", err)
	}
	defer m.Close()

	switch err = m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		cmdCommon.RootLogger().Info("no migrations needed to be applied")
	case err != nil:
		return fmt.Errorf("migrations failed: %w", err)
	default:
		cmdCommon.RootLogger().Info("migrations completed")
	}
	return nil
}

// Init wipes storage if asked to, migrates it and initializes the
// analysis service.
func Init(ctx context.Context, cfg *config.AnalysisConfig) (*Service, error) {
	logger := cmdCommon.RootLogger()

	if cfg.Storage.WipeStorage {
		logger.Warn("wiping storage")
		if err := wipeStorage(ctx, cfg.Storage); err != nil {
			logger.Error("failed to wipe storage", "error", err)
			return nil, err
		}
		logger.Info("storage wiped")
	}

	if err := RunMigrations(cfg.Storage.Migrations, cfg.Storage.Endpoint); err != nil {
		logger.Error("migrations failed", "error", err)
		return nil, err
	}

	service, err := NewService(ctx, cfg)
	if err != nil {
		logger.Error("service failed to start",
			"error", err,
		)
		return nil, err
	}
	return service, nil
}

func wipeStorage(ctx context.Context, cfg *config.StorageConfig) error {
	logger := cmdCommon.RootLogger().WithModule(moduleName)

	// Initialize target storage.
	storage, err := cmdCommon.NewClient(cfg, logger)
	if err != nil {
		return err
	}
	defer storage.Close()

	return storage.Wipe(ctx)
}

// Service is the ledgerwatch analysis service.
type Service struct {
	Analyzers []analyzer.Analyzer

	dispatcher *notifier.Dispatcher
	source     *eth.Client
	cache      kvstore.KVStore
	target     storage.TargetStorage
	logger     *log.Logger
}

type A = analyzer.Analyzer

// addAnalyzer adds the analyzer produced by `analyzerGenerator()` to `analyzers`.
// It expects an initial state (analyzers, errSoFar) and returns the updated state, which
// should be fed into subsequent call to the function.
// As soon as an analyzerGenerator returns an error, all subsequent calls will
// short-circuit and return the same error, leaving `analyzers` unchanged.
func addAnalyzer(analyzers []A, errSoFar error, analyzerGenerator func() (A, error)) ([]A, error) {
	if errSoFar != nil {
		return analyzers, errSoFar
	}
	a, errSoFar := analyzerGenerator()
	if errSoFar != nil {
		return analyzers, errSoFar
	}
	analyzers = append(analyzers, a)
	return analyzers, nil
}

// newSink returns the Telegram dispatcher when a bot token is configured
// and a logging sink otherwise.
func newSink(cfg *config.NotifierConfig, logger *log.Logger) (notifier.Sink, *notifier.Dispatcher) {
	if cfg == nil || cfg.BotToken == "" {
		logger.Warn("no notifier configured; alerts are only logged")
		return notifier.NewLogSink(logger), nil
	}
	d := notifier.NewDispatcher(cfg, telegram.NewClient(cfg, logger), logger)
	return d, d
}

// NewService creates new Service.
func NewService(ctx context.Context, cfg *config.AnalysisConfig) (*Service, error) {
	logger := cmdCommon.RootLogger().WithModule(moduleName)
	logger.Info("initializing analysis service")

	// Initialize source storage.
	source, err := eth.NewClient(ctx, &cfg.Source, logger)
	if err != nil {
		return nil, fmt.Errorf("creating ledger source: %w", err)
	}

	var cache kvstore.KVStore
	if cfg.Source.Cache != nil {
		cacheMetrics := metrics.NewDefaultAnalysisMetrics("blocktime")
		cache, err = kvstore.OpenKVStore(logger.WithModule("blocktime_cache"), cfg.Source.Cache.CacheDir, &cacheMetrics)
		if err != nil {
			source.Close()
			return nil, fmt.Errorf("opening block time cache: %w", err)
		}
	}

	// Initialize target storage.
	dbClient, err := cmdCommon.NewClient(cfg.Storage, logger)
	if err != nil {
		source.Close()
		return nil, err
	}

	sink, dispatcher := newSink(cfg.Notifier, logger)
	deps := analyzer.Deps{
		Source:     source,
		Timestamps: blocktime.NewResolver(source, cache, logger),
		Target:     dbClient,
		Sink:       sink,
		Logger:     logger,
	}

	// Initialize analyzers.
	analyzers := []A{}
	if cfg.Analyzers.Governance != nil {
		analyzers, err = addAnalyzer(analyzers, err, func() (A, error) {
			return governance.NewAnalyzer(ctx, cfg.Analyzers.Governance, deps)
		})
	}
	if cfg.Analyzers.Incentives != nil {
		analyzers, err = addAnalyzer(analyzers, err, func() (A, error) {
			return incentives.NewAnalyzer(cfg.Analyzers.Incentives, deps)
		})
	}
	if cfg.Analyzers.Staking != nil {
		analyzers, err = addAnalyzer(analyzers, err, func() (A, error) {
			return staking.NewAnalyzer(ctx, cfg.Analyzers.Staking, deps)
		})
	}
	if cfg.Analyzers.Harvests != nil {
		analyzers, err = addAnalyzer(analyzers, err, func() (A, error) {
			return harvests.NewAnalyzer(cfg.Analyzers.Harvests, deps)
		})
	}
	if cfg.Analyzers.Retention != nil {
		analyzers, err = addAnalyzer(analyzers, err, func() (A, error) {
			return retention.NewAnalyzer(cfg.Analyzers.Retention, deps), nil
		})
	}
	if cfg.Analyzers.GaugeVotes != nil {
		analyzers, err = addAnalyzer(analyzers, err, func() (A, error) {
			return gaugevotes.NewAnalyzer(ctx, cfg.Analyzers.GaugeVotes, deps), nil
		})
	}
	if err != nil {
		source.Close()
		dbClient.Close()
		return nil, err
	}

	logger.Info("initialized all analyzers", "count", len(analyzers))

	return &Service{
		Analyzers: analyzers,

		dispatcher: dispatcher,
		source:     source,
		cache:      cache,
		target:     dbClient,
		logger:     logger,
	}, nil
}

// Run runs every analyzer, and the notification dispatcher, until ctx is
// cancelled.
func (a *Service) Run(ctx context.Context) error {
	defer a.cleanup()
	a.logger.Info("starting analysis service")

	err := a.runAnalyzers(ctx)
	a.logger.Info("all analyzers have exited cleanly")
	return err
}

func (a *Service) runAnalyzers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.dispatcher != nil {
		g.Go(func() error {
			a.dispatcher.Start(ctx)
			return nil
		})
	}
	for _, an := range a.Analyzers {
		g.Go(func() error {
			an.Start(ctx)
			a.logger.Info("analyzer stopped", "analyzer", an.Name())
			return nil
		})
	}
	return g.Wait()
}

// cleanup cleans up resources used by the service.
func (a *Service) cleanup() {
	a.source.Close()
	a.logger.Info("ledger source connection closed cleanly")
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("failed to close block time cache", "err", err)
		}
	}
	a.target.Close()
	a.logger.Info("db connection closed cleanly")
}

// Register registers the process sub-command.
func Register(parentCmd *cobra.Command) {
	analyzeCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	parentCmd.AddCommand(analyzeCmd)
}
