package config

import (
	"fmt"
	"time"
)

// Well-known mainnet deployments used as defaults.
const (
	ResupplyRegistry      = "0x10101010E0C3171D894B71B3400668aF311e7D94"
	CurveGaugeController  = "0x2F50D538606Fa9EDD2B11E2446BEb18C9D5846bB"
	CurveVotingEscrow     = "0x5f3b5DfEb7B28CDbD7FAba78963EE202a494e2A2"
	ConvexCurveVoter      = "0x989AEb4d175e16225E39E87d0D97A3360524AD80"
	YearnStakingRegistry  = "0x262be1d31d0754399d8d5dc63B99c22146E9f738"
	ResupplyRetention     = "0xB9415639618e70aBb71A0F4F8bbB2643Bf337892"
	DefaultPriceAPI       = "https://coins.llama.fi"
	DefaultCurveGaugesAPI = "https://api.curve.fi/api/getAllGauges"
)

// GovernanceConfig configures proposal ingestion and the lifecycle engine.
type GovernanceConfig struct {
	StreamConfig `koanf:",squash"`

	// Voters are the voter contracts to follow. The registry's current
	// VOTER is added at startup.
	Voters []string `koanf:"voters"`

	// Registry is queried with getAddress("VOTER"). Empty disables discovery.
	Registry string `koanf:"registry"`

	// Permastakers are the only accounts whose votes are announced.
	Permastakers []string `koanf:"permastakers"`

	LifecycleInterval time.Duration `koanf:"lifecycle_interval"`
	VotingPeriod      time.Duration `koanf:"voting_period"`
	ExecutionDelay    time.Duration `koanf:"execution_delay"`
	ExecutionDeadline time.Duration `koanf:"execution_deadline"`
	EndingSoonWindow  time.Duration `koanf:"ending_soon_window"`

	// Channel is the logical notifier channel for governance alerts.
	Channel string `koanf:"channel"`
}

func (cfg *GovernanceConfig) ApplyDefaults() {
	cfg.applyDefaults(10*time.Second, 400_000)
	if cfg.From == 0 {
		cfg.From = 22_200_000
	}
	if len(cfg.Voters) == 0 {
		cfg.Voters = []string{
			"0x11111111084a560ea5755Ed904a57e5411888C28",
			"0x11111111408bd67B92C4f74B9D3cF96f1fa412BC",
		}
	}
	if cfg.Registry == "" {
		cfg.Registry = ResupplyRegistry
	}
	if cfg.Permastakers == nil {
		cfg.Permastakers = []string{
			"0x12341234B35c8a48908c716266db79CAeA0100E8",
			"0xCCCCCccc94bFeCDd365b4Ee6B86108fC91848901",
		}
	}
	if cfg.LifecycleInterval == 0 {
		cfg.LifecycleInterval = cfg.PollInterval
	}
	if cfg.VotingPeriod == 0 {
		cfg.VotingPeriod = 7 * 24 * time.Hour
	}
	if cfg.ExecutionDelay == 0 {
		cfg.ExecutionDelay = 24 * time.Hour
	}
	if cfg.ExecutionDeadline == 0 {
		cfg.ExecutionDeadline = 21 * 24 * time.Hour
	}
	if cfg.EndingSoonWindow == 0 {
		cfg.EndingSoonWindow = 24 * time.Hour
	}
	if cfg.Channel == "" {
		cfg.Channel = "resupply_alerts"
	}
}

func (cfg *GovernanceConfig) Validate() error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if len(cfg.Voters) == 0 {
		return fmt.Errorf("no voter contracts configured")
	}
	if err := validateAddresses("voters", cfg.Voters...); err != nil {
		return err
	}
	if err := validateAddresses("permastakers", cfg.Permastakers...); err != nil {
		return err
	}
	if cfg.Registry != "" {
		if err := validateAddresses("registry", cfg.Registry); err != nil {
			return err
		}
	}
	if cfg.ExecutionDelay >= cfg.ExecutionDeadline {
		return fmt.Errorf("execution_delay (%s) must be shorter than execution_deadline (%s)", cfg.ExecutionDelay, cfg.ExecutionDeadline)
	}
	return nil
}

// IncentivesConfig configures period-oriented incentive accounting.
type IncentivesConfig struct {
	// Interval between two scans for missing periods.
	Interval time.Duration `koanf:"interval"`

	// PriceAPI is the DefiLlama coins API base URL.
	PriceAPI string `koanf:"price_api"`

	Programs []IncentiveProgramConfig `koanf:"programs"`
}

// ProgramKind selects how a program's transfers are split into buckets.
type ProgramKind string

const (
	// ProgramResupply splits by a second-hop transfer from the recipient
	// to the Votium deployer; the remainder goes to Votemarket.
	ProgramResupply ProgramKind = "resupply"
	// ProgramYieldBasis splits by direct transfers to per-market helpers.
	ProgramYieldBasis ProgramKind = "yieldbasis"
)

type GaugeConfig struct {
	Address string `koanf:"address"`
	Name    string `koanf:"name"`
}

type IncentiveProgramConfig struct {
	// Protocol names the program in storage and alerts.
	Protocol string      `koanf:"protocol"`
	Kind     ProgramKind `koanf:"kind"`

	// Token is the incentive token whose Transfer logs are scanned.
	Token string `koanf:"token"`
	// Symbol is used in alerts.
	Symbol string `koanf:"symbol"`
	// Source is the sender of the distribution transfers.
	Source string `koanf:"source"`
	// Recipient optionally restricts the scanned transfers' receiver.
	Recipient string `koanf:"recipient"`

	// VotiumTarget receives the Votium share. For resupply it is the
	// second-hop receiver, for yieldbasis the Votium helper.
	VotiumTarget string `koanf:"votium_target"`
	// VotemarketTarget receives the Votemarket share (yieldbasis only).
	VotemarketTarget string `koanf:"votemarket_target"`

	// EmissionsController provides getEpoch() (resupply only).
	EmissionsController string `koanf:"emissions_controller"`

	GaugeController string `koanf:"gauge_controller"`
	// Voters are aggregated Curve voters. The first one is the Votium
	// side; the others are excluded from the Votemarket side.
	Voters []string      `koanf:"voters"`
	Gauges []GaugeConfig `koanf:"gauges"`

	// StartTimestamp is the first period processed on an empty store.
	StartTimestamp int64 `koanf:"start_timestamp"`

	// Channel is the logical notifier channel for this program's reports.
	Channel string `koanf:"channel"`
}

// DefaultResupplyProgram is the Resupply (RSUP) incentive program.
func DefaultResupplyProgram() IncentiveProgramConfig {
	return IncentiveProgramConfig{
		Protocol:            "resupply",
		Kind:                ProgramResupply,
		Token:               "0x419905009e4656fdC02418C7Df35B1E61Ed5F726",
		Symbol:              "RSUP",
		Source:              "0x33333333df05b0D52edD13D230461E5A0f5a4706",
		Recipient:           "0xFE11a5009f2121622271e7dd0FD470264e076af6",
		VotiumTarget:        "0x947B7742C403f20e5FaCcDAc5E092C943E7D0277",
		EmissionsController: "0x33333333df05b0D52edD13D230461E5A0f5a4706",
		GaugeController:     CurveGaugeController,
		Voters: []string{
			ConvexCurveVoter,
			"0x2F50D538606Fa9EDD2B11E2446BEb18C9D5846bB",
		},
		Gauges: []GaugeConfig{
			{Address: "0x09F62a6777032329C0d49F1FD4fBe9b3468CDa56", Name: "RSUP_WETH"},
			{Address: "0xaF01d68714E7eA67f43f08b5947e367126B889b1", Name: "REUSD_SCRVUSD"},
			{Address: "0xf84657ca6Db485EA38c63ca96dc396c2b3c6fdcC", Name: "REUSD_FXUSD"},
			{Address: "0xCB25249bFA8CdB6012a75070E5C2885151368Bef", Name: "REUSD_SDOLA"},
			{Address: "0x5C0B03914f68F2717d779a0211fd98C2CC45a4dD", Name: "REUSD_SFRXUSD"},
		},
		StartTimestamp: 1743033600,
		Channel:        "wavey_alerts",
	}
}

func (cfg *IncentivesConfig) ApplyDefaults() {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.PriceAPI == "" {
		cfg.PriceAPI = DefaultPriceAPI
	}
	if len(cfg.Programs) == 0 {
		cfg.Programs = []IncentiveProgramConfig{DefaultResupplyProgram()}
	}
	for i := range cfg.Programs {
		p := &cfg.Programs[i]
		if p.GaugeController == "" {
			p.GaugeController = CurveGaugeController
		}
		if len(p.Voters) == 0 {
			p.Voters = []string{ConvexCurveVoter}
		}
		if p.Channel == "" {
			p.Channel = "wavey_alerts"
		}
		if p.Symbol == "" {
			p.Symbol = "tokens"
		}
	}
}

func (cfg *IncentivesConfig) Validate() error {
	if cfg.Interval < time.Minute {
		return fmt.Errorf("interval must be at least 1 minute")
	}
	seen := map[string]bool{}
	for _, p := range cfg.Programs {
		if p.Protocol == "" {
			return fmt.Errorf("program without protocol name")
		}
		if seen[p.Protocol] {
			return fmt.Errorf("duplicate program %q", p.Protocol)
		}
		seen[p.Protocol] = true
		if err := p.Validate(); err != nil {
			return fmt.Errorf("program %s: %w", p.Protocol, err)
		}
	}
	return nil
}

func (p *IncentiveProgramConfig) Validate() error {
	if err := validateAddresses("token/source/gauge_controller", p.Token, p.Source, p.GaugeController); err != nil {
		return err
	}
	if err := validateAddresses("voters", p.Voters...); err != nil {
		return err
	}
	for _, g := range p.Gauges {
		if err := validateAddresses("gauges", g.Address); err != nil {
			return err
		}
	}
	if p.StartTimestamp <= 0 {
		return fmt.Errorf("start_timestamp must be set")
	}
	switch p.Kind {
	case ProgramResupply:
		if err := validateAddresses("recipient/votium_target/emissions_controller", p.Recipient, p.VotiumTarget, p.EmissionsController); err != nil {
			return err
		}
	case ProgramYieldBasis:
		if err := validateAddresses("votium_target/votemarket_target", p.VotiumTarget, p.VotemarketTarget); err != nil {
			return err
		}
		if p.Recipient != "" {
			return validateAddresses("recipient", p.Recipient)
		}
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}
	return nil
}

// StakingConfig configures the YBS stake/reward streams.
type StakingConfig struct {
	StreamConfig `koanf:",squash"`

	Registry string `koanf:"registry"`

	// DiscoverFloor finds each contract's creation block instead of using
	// From as the floor.
	DiscoverFloor bool `koanf:"discover_floor"`
}

func (cfg *StakingConfig) ApplyDefaults() {
	cfg.applyDefaults(120*time.Second, 200_000)
	if cfg.From == 0 {
		cfg.From = 19_919_001
	}
	if cfg.Registry == "" {
		cfg.Registry = YearnStakingRegistry
	}
}

func (cfg *StakingConfig) Validate() error {
	if err := cfg.validate(); err != nil {
		return err
	}
	return validateAddresses("registry", cfg.Registry)
}

// HarvestDialect names the event shape a compounder reports profit with.
type HarvestDialect string

const (
	HarvestUnion   HarvestDialect = "union"
	HarvestYearn   HarvestDialect = "yearn"
	HarvestAladdin HarvestDialect = "aladdin"
)

type CompounderConfig struct {
	Address     string         `koanf:"address"`
	Name        string         `koanf:"name"`
	Symbol      string         `koanf:"symbol"`
	Underlying  string         `koanf:"underlying"`
	Dialect     HarvestDialect `koanf:"dialect"`
	DeployBlock uint64         `koanf:"deploy_block"`
}

// HarvestsConfig configures liquid-locker compounder harvest tracking.
type HarvestsConfig struct {
	StreamConfig `koanf:",squash"`

	Compounders []CompounderConfig `koanf:"compounders"`
}

func DefaultCompounders() []CompounderConfig {
	return []CompounderConfig{
		{
			Address:     "0xde2bEF0A01845257b4aEf2A2EAa48f6EAeAfa8B7",
			Name:        "Union Convex CRV",
			Symbol:      "ucvxCRV",
			Underlying:  "0x62B9c7356A2Dc64a1969e19C23e4f579F9810Aa7",
			Dialect:     HarvestUnion,
			DeployBlock: 16_904_032,
		},
		{
			Address:     "0x27B5739e22ad9033bcBf192059122d163b60349D",
			Name:        "Staked Yearn CRV",
			Symbol:      "yvyCRV",
			Underlying:  "0xFCc5c47bE19d06BF83eB04298b026F81069ff65b",
			Dialect:     HarvestYearn,
			DeployBlock: 15_624_989,
		},
		{
			Address:     "0x43E54C2E7b3e294De3A155785F52AB49d87B9922",
			Name:        "Aladin StakeDao CRV",
			Symbol:      "asdCRV",
			Underlying:  "0xD1b5651E55D4CeeD36251c61c50C889B36F6abB5",
			Dialect:     HarvestAladdin,
			DeployBlock: 16_904_032,
		},
	}
}

func (cfg *HarvestsConfig) ApplyDefaults() {
	cfg.applyDefaults(10*time.Second, 200_000)
	if cfg.From == 0 {
		cfg.From = 20_000_000
	}
	if len(cfg.Compounders) == 0 {
		cfg.Compounders = DefaultCompounders()
	}
}

func (cfg *HarvestsConfig) Validate() error {
	if err := cfg.validate(); err != nil {
		return err
	}
	for _, c := range cfg.Compounders {
		if err := validateAddresses("compounders", c.Address); err != nil {
			return err
		}
		switch c.Dialect {
		case HarvestUnion, HarvestYearn, HarvestAladdin:
		default:
			return fmt.Errorf("compounder %s: unknown dialect %q", c.Symbol, c.Dialect)
		}
	}
	return nil
}

// RetentionConfig configures the retention-program weight tracker.
type RetentionConfig struct {
	StreamConfig `koanf:",squash"`

	Contract    string `koanf:"contract"`
	DeployBlock uint64 `koanf:"deploy_block"`
	Channel     string `koanf:"channel"`
}

func (cfg *RetentionConfig) ApplyDefaults() {
	cfg.applyDefaults(10*time.Second, 400_000)
	if cfg.Contract == "" {
		cfg.Contract = ResupplyRetention
	}
	if cfg.DeployBlock == 0 {
		cfg.DeployBlock = 22_870_945
	}
	if cfg.From == 0 {
		cfg.From = cfg.DeployBlock
	}
	if cfg.Channel == "" {
		cfg.Channel = "resupply_alerts"
	}
}

func (cfg *RetentionConfig) Validate() error {
	if err := cfg.validate(); err != nil {
		return err
	}
	return validateAddresses("contract", cfg.Contract)
}

// GaugeVotesConfig configures Curve gauge vote ingestion.
type GaugeVotesConfig struct {
	StreamConfig `koanf:",squash"`

	GaugeController string `koanf:"gauge_controller"`
	VotingEscrow    string `koanf:"voting_escrow"`
	GaugesAPI       string `koanf:"gauges_api"`
}

func (cfg *GaugeVotesConfig) ApplyDefaults() {
	cfg.applyDefaults(time.Second, 100_000)
	if cfg.From == 0 {
		cfg.From = 10_647_875
	}
	if cfg.GaugeController == "" {
		cfg.GaugeController = CurveGaugeController
	}
	if cfg.VotingEscrow == "" {
		cfg.VotingEscrow = CurveVotingEscrow
	}
	if cfg.GaugesAPI == "" {
		cfg.GaugesAPI = DefaultCurveGaugesAPI
	}
}

func (cfg *GaugeVotesConfig) Validate() error {
	if err := cfg.validate(); err != nil {
		return err
	}
	return validateAddresses("gauge_controller/voting_escrow", cfg.GaugeController, cfg.VotingEscrow)
}

// NotifierConfig configures alert delivery.
type NotifierConfig struct {
	// BotToken authenticates against the Telegram Bot API. Prefer setting
	// it through LEDGERWATCH_ANALYSIS__NOTIFIER__BOT_TOKEN.
	BotToken    string `koanf:"bot_token"`
	APIEndpoint string `koanf:"api_endpoint"`

	// Chats maps logical channel names to chat ids.
	Chats map[string]string `koanf:"chats"`

	// DevMode routes every alert to DevChat.
	DevMode bool   `koanf:"dev_mode"`
	DevChat string `koanf:"dev_chat"`

	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxAttempts    uint64        `koanf:"max_attempts"`
	InitialDelay   time.Duration `koanf:"initial_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	QueueSize      int           `koanf:"queue_size"`
	// RatePerSecond caps the delivery rate across all chats.
	RatePerSecond float64 `koanf:"rate_per_second"`
}

func (cfg *NotifierConfig) ApplyDefaults() {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = "https://api.telegram.org"
	}
	if cfg.Chats == nil {
		cfg.Chats = map[string]string{}
	}
	for name, id := range map[string]string{
		"wavey_alerts":    "-789090497",
		"resupply_alerts": "-1002611252473",
	} {
		if _, ok := cfg.Chats[name]; !ok {
			cfg.Chats[name] = id
		}
	}
	if cfg.DevChat == "" {
		cfg.DevChat = "wavey_alerts"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = 1
	}
}

func (cfg *NotifierConfig) Validate() error {
	if cfg.BotToken == "" {
		return fmt.Errorf("bot_token not configured")
	}
	if cfg.DevMode {
		if _, ok := cfg.Chats[cfg.DevChat]; !ok {
			return fmt.Errorf("dev_chat %q is not a configured chat", cfg.DevChat)
		}
	}
	if cfg.InitialDelay > cfg.MaxDelay {
		return fmt.Errorf("initial_delay exceeds max_delay")
	}
	if cfg.RatePerSecond < 0 || cfg.QueueSize < 0 {
		return fmt.Errorf("rate_per_second and queue_size must be non-negative")
	}
	return nil
}
