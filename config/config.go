// Package config enables config file parsing.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/waveyops/ledgerwatch/log"
)

// EnvPrefix is the prefix of environment variables merged over the file
// config. `__` separates hierarchy levels, e.g.
// LEDGERWATCH_ANALYSIS__NOTIFIER__BOT_TOKEN.
const EnvPrefix = "LEDGERWATCH_"

// Config contains the CLI configuration.
type Config struct {
	Analysis *AnalysisConfig `koanf:"analysis"`
	Server   *ServerConfig   `koanf:"server"`
	Log      *LogConfig      `koanf:"log"`
	Metrics  *MetricsConfig  `koanf:"metrics"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.Analysis != nil {
		cfg.Analysis.ApplyDefaults()
	}
	if cfg.Server != nil && cfg.Server.Source != nil {
		cfg.Server.Source.ApplyDefaults()
	}
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if cfg.Analysis != nil {
		if err := cfg.Analysis.Validate(); err != nil {
			return fmt.Errorf("analysis: %w", err)
		}
	}
	if cfg.Server != nil {
		if err := cfg.Server.Validate(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	if cfg.Log != nil {
		if err := cfg.Log.Validate(); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	if cfg.Metrics != nil {
		if err := cfg.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	return nil
}

// AnalysisConfig is the configuration for the ingestion analyzers.
type AnalysisConfig struct {
	// Source is the configuration for accessing the ledger RPC.
	Source SourceConfig `koanf:"source"`

	Storage *StorageConfig `koanf:"storage"`

	// Notifier is optional; without it alerts are only logged.
	Notifier *NotifierConfig `koanf:"notifier"`

	// Analyzers is the analyzer configs. Analyzers left out are not run.
	Analyzers AnalyzersList `koanf:"analyzers"`
}

func (cfg *AnalysisConfig) ApplyDefaults() {
	cfg.Source.ApplyDefaults()
	if cfg.Notifier != nil {
		cfg.Notifier.ApplyDefaults()
	}
	a := &cfg.Analyzers
	if a.Governance != nil {
		a.Governance.ApplyDefaults()
	}
	if a.Incentives != nil {
		a.Incentives.ApplyDefaults()
	}
	if a.Staking != nil {
		a.Staking.ApplyDefaults()
	}
	if a.Harvests != nil {
		a.Harvests.ApplyDefaults()
	}
	if a.Retention != nil {
		a.Retention.ApplyDefaults()
	}
	if a.GaugeVotes != nil {
		a.GaugeVotes.ApplyDefaults()
	}
}

// Validate validates the analysis configuration.
func (cfg *AnalysisConfig) Validate() error {
	if err := cfg.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if cfg.Storage == nil {
		return fmt.Errorf("no storage config provided")
	}
	if cfg.Notifier != nil {
		if err := cfg.Notifier.Validate(); err != nil {
			return fmt.Errorf("notifier: %w", err)
		}
	}
	if err := cfg.Analyzers.Validate(); err != nil {
		return err
	}
	return cfg.Storage.Validate(true /* requireMigrations */)
}

type AnalyzersList struct {
	Governance *GovernanceConfig `koanf:"governance"`
	Incentives *IncentivesConfig `koanf:"incentives"`
	Staking    *StakingConfig    `koanf:"staking"`
	Harvests   *HarvestsConfig   `koanf:"harvests"`
	Retention  *RetentionConfig  `koanf:"retention"`
	GaugeVotes *GaugeVotesConfig `koanf:"gauge_votes"`
}

func (a *AnalyzersList) Validate() error {
	if a.Governance != nil {
		if err := a.Governance.Validate(); err != nil {
			return fmt.Errorf("analyzers.governance: %w", err)
		}
	}
	if a.Incentives != nil {
		if err := a.Incentives.Validate(); err != nil {
			return fmt.Errorf("analyzers.incentives: %w", err)
		}
	}
	if a.Staking != nil {
		if err := a.Staking.Validate(); err != nil {
			return fmt.Errorf("analyzers.staking: %w", err)
		}
	}
	if a.Harvests != nil {
		if err := a.Harvests.Validate(); err != nil {
			return fmt.Errorf("analyzers.harvests: %w", err)
		}
	}
	if a.Retention != nil {
		if err := a.Retention.Validate(); err != nil {
			return fmt.Errorf("analyzers.retention: %w", err)
		}
	}
	if a.GaugeVotes != nil {
		if err := a.GaugeVotes.Validate(); err != nil {
			return fmt.Errorf("analyzers.gauge_votes: %w", err)
		}
	}
	return nil
}

// SourceConfig describes how to reach the ledger.
type SourceConfig struct {
	// RPC is the JSON-RPC endpoint of an archive node.
	RPC string `koanf:"rpc"`

	// RequestTimeout bounds every individual RPC call.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// LogChunkSize is the widest block range requested in a single
	// eth_getLogs call.
	LogChunkSize uint64 `koanf:"log_chunk_size"`

	// Cache holds the configuration for the block timestamp cache.
	Cache *CacheConfig `koanf:"cache"`
}

func (sc *SourceConfig) ApplyDefaults() {
	if sc.RequestTimeout == 0 {
		sc.RequestTimeout = 60 * time.Second
	}
	if sc.LogChunkSize == 0 {
		sc.LogChunkSize = 100_000
	}
}

func (sc *SourceConfig) Validate() error {
	if sc.RPC == "" {
		return fmt.Errorf("rpc endpoint not configured")
	}
	if sc.Cache != nil {
		return sc.Cache.Validate()
	}
	return nil
}

type CacheConfig struct {
	// CacheDir is the directory where the cache data is stored
	CacheDir string `koanf:"cache_dir"`
}

func (cfg *CacheConfig) Validate() error {
	if cfg.CacheDir == "" {
		return fmt.Errorf("invalid cache filepath")
	}
	return nil
}

// StreamConfig holds the knobs shared by every log-polling analyzer.
type StreamConfig struct {
	// PollInterval is the sleep between two ticks of a stream.
	PollInterval time.Duration `koanf:"poll_interval"`

	// MaxWidth bounds the block range scanned by a single tick.
	MaxWidth uint64 `koanf:"max_width"`

	// From raises the floor block of every stream of the analyzer.
	From uint64 `koanf:"from"`

	// CheckpointEmptyWindows persists a watermark after scanning a window
	// that produced no records, so sparse streams do not rescan it.
	CheckpointEmptyWindows bool `koanf:"checkpoint_empty_windows"`
}

func (sc *StreamConfig) applyDefaults(interval time.Duration, width uint64) {
	if sc.PollInterval == 0 {
		sc.PollInterval = interval
	}
	if sc.MaxWidth == 0 {
		sc.MaxWidth = width
	}
}

func (sc *StreamConfig) validate() error {
	if sc.PollInterval < time.Second {
		return fmt.Errorf("poll_interval must be at least 1s")
	}
	if sc.MaxWidth == 0 {
		return fmt.Errorf("max_width must be positive")
	}
	return nil
}

func validateAddresses(field string, addrs ...string) error {
	for _, a := range addrs {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("%s: invalid address %q", field, a)
		}
	}
	return nil
}

// ServerConfig contains the status API server configuration.
type ServerConfig struct {
	// Endpoint is the service endpoint from which to serve the API.
	Endpoint string `koanf:"endpoint"`

	Storage *StorageConfig `koanf:"storage"`

	// Source is optional; when set, stream lag is reported against the
	// current chain height.
	Source *SourceConfig `koanf:"source"`
}

// Validate validates the server configuration.
func (cfg *ServerConfig) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("malformed server endpoint '%s'", cfg.Endpoint)
	}
	if cfg.Storage == nil {
		return fmt.Errorf("no storage config provided")
	}
	if cfg.Source != nil {
		if err := cfg.Source.Validate(); err != nil {
			return fmt.Errorf("source: %w", err)
		}
	}

	return cfg.Storage.Validate(false /* requireMigrations */)
}

// StorageBackend is a storage backend.
type StorageBackend uint

const (
	// BackendPostgres is the PostgreSQL storage backend.
	BackendPostgres StorageBackend = iota
)

// String returns the string representation of a StorageBackend.
func (sb *StorageBackend) String() string {
	switch *sb {
	case BackendPostgres:
		return "postgres"
	default:
		panic("config: unsupported storage backend")
	}
}

// Set sets the StorageBackend to the value specified by the provided string.
func (sb *StorageBackend) Set(s string) error {
	switch strings.ToLower(s) {
	case "postgres":
		*sb = BackendPostgres
	default:
		return fmt.Errorf("config: invalid storage backend: '%s'", s)
	}

	return nil
}

// Type returns the list of supported StorageBackends.
func (sb *StorageBackend) Type() string {
	return "[postgres]"
}

// StorageConfig contains the storage layer configuration.
type StorageConfig struct {
	// Endpoint is the storage endpoint from which to read/write records.
	Endpoint string `koanf:"endpoint"`

	// Backend is the storage backend to select.
	Backend string `koanf:"backend"`

	// Migrations is the directory containing schema migrations.
	Migrations string `koanf:"migrations"`

	// If true, we'll first delete all tables in the DB to
	// force a full re-ingestion from every stream's floor block.
	WipeStorage bool `koanf:"DANGER__WIPE_STORAGE_ON_STARTUP"`
}

// Validate validates the storage configuration.
func (cfg *StorageConfig) Validate(requireMigrations bool) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("malformed storage endpoint '%s'", cfg.Endpoint)
	}
	if cfg.Migrations == "" && requireMigrations {
		return fmt.Errorf("invalid path to migrations '%s'", cfg.Migrations)
	}
	var sb StorageBackend
	return sb.Set(cfg.Backend)
}

// LogConfig contains the logging configuration.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	File   string `koanf:"file"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	if _, err := log.ParseFormat(cfg.Format); err != nil {
		return err
	}
	_, err := log.ParseLevel(cfg.Level)
	return err
}

// MetricsConfig contains the metrics configuration.
type MetricsConfig struct {
	PullEndpoint string `koanf:"pull_endpoint"`

	// PprofEndpoint, if set, serves net/http/pprof.
	PprofEndpoint string `koanf:"pprof_endpoint"`
}

// Validate validates the metrics configuration.
func (cfg *MetricsConfig) Validate() error {
	if cfg.PullEndpoint == "" {
		return fmt.Errorf("malformed Prometheus pull endpoint '%s'", cfg.PullEndpoint)
	}
	return nil
}

// InitConfig initializes configuration from file.
func InitConfig(f string) (*Config, error) {
	return initConfig(file.Provider(f))
}

func initConfig(p koanf.Provider) (*Config, error) {
	var config Config
	k := koanf.New(".")

	// Load configuration from the yaml config.
	if err := k.Load(p, yaml.Parser()); err != nil {
		return nil, err
	}

	// Load environment variables and merge into the loaded config.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		// `__` is used as a hierarchy delimiter.
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	// Unmarshal into config.
	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}

	config.ApplyDefaults()

	// Validate config.
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
