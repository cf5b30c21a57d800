// Package cmd implements commands for the ledgerwatch executable.
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/waveyops/ledgerwatch/cmd/analyzer"
	"github.com/waveyops/ledgerwatch/cmd/api"
	"github.com/waveyops/ledgerwatch/cmd/common"
	"github.com/waveyops/ledgerwatch/config"
	"github.com/waveyops/ledgerwatch/log"
)

var (
	// Path to the configuration file.
	configFile string

	rootCmd = &cobra.Command{
		Use:   "ledgerwatch",
		Short: "Contract event ingestion and alerting",
		Run:   rootMain,
	}
)

// Service is a service run by ledgerwatch.
type Service interface {
	// Run runs the service until ctx is cancelled.
	Run(ctx context.Context) error
}

func rootMain(cmd *cobra.Command, args []string) {
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize services.
	var services []Service
	if cfg.Analysis != nil {
		analysisService, err := analyzer.Init(ctx, cfg.Analysis)
		if err != nil {
			logger.Error("failed to initialize analysis service", "err", err)
			os.Exit(1)
		}
		services = append(services, analysisService)
	}
	if cfg.Server != nil {
		apiService, err := api.Init(cfg.Server)
		if err != nil {
			logger.Error("failed to initialize api service", "err", err)
			os.Exit(1)
		}
		services = append(services, apiService)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range services {
		g.Go(func() error {
			return s.Run(ctx)
		})
	}

	logger.Info("started all services")
	if err := g.Wait(); err != nil {
		logger.Error("service failed", "err", err)
		os.Exit(1)
	}
}

// Execute spawns the main entry point after handing the config file.
func Execute() {
	// Debug hook. If we receive SIGUSR1, dump all goroutines.
	go dumpGoroutinesOnSignal(syscall.SIGUSR1)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")

	for _, f := range []func(*cobra.Command){
		analyzer.Register,
		api.Register,
	} {
		f(rootCmd)
	}
}

// Starts listening for the specified signals, and logs a dump of all
// goroutines when the process receives one of those signals.
func dumpGoroutinesOnSignal(signals ...os.Signal) {
	logger := log.NewDefaultLogger("toplevel")
	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)
	logger.Info("listening for signals", "signals", signals)
	for range c {
		b := bytes.NewBufferString("")
		_ = pprof.Lookup("goroutine").WriteTo(b, 1)
		logger.Warn("USER-REQUESTED DUMP: all goroutines", "goroutines_all", b.String())

		b = bytes.NewBufferString("")
		_ = pprof.Lookup("mutex").WriteTo(b, 1)
		logger.Warn("USER-REQUESTED DUMP: stack traces of holders of contended mutexes", "goroutines_mutex", b.String())
	}
}
