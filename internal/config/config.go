// Package config defines all configuration for the hedge coordinator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via HEDGE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Venues    []VenueConfig   `mapstructure:"venues"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Capital   CapitalConfig   `mapstructure:"capital"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Conn      ConnConfig      `mapstructure:"conn"`
	Producer  ProducerConfig  `mapstructure:"producer"`
	Store     StoreConfig     `mapstructure:"store"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// VenueConfig is one entry in the venue registry.
//
//   - Equity: trading equity in quote currency, partitioned into pools.
//   - PoolPcts: S1/S2/S3 percentages (must sum to 1.0; defaults 0.7/0.2/0.1).
//   - TradeEnabled: venue accepts trading-connection requests.
//   - SafeMode: restricts reservations to SafeModePools.
//   - KeyEnv/SecretEnv: names of env vars holding API credentials (the core
//     never reads the values itself; adapters do).
type VenueConfig struct {
	ID             string    `mapstructure:"id"`
	Equity         float64   `mapstructure:"equity"`
	PoolPcts       []float64 `mapstructure:"pool_pcts"`
	TradeEnabled   bool      `mapstructure:"trade_enabled"`
	SafeMode       bool      `mapstructure:"safe_mode"`
	SafeModePools  []string  `mapstructure:"safe_mode_pools"`
	KeyEnv         string    `mapstructure:"key_env"`
	SecretEnv      string    `mapstructure:"secret_env"`
	BaseURL        string    `mapstructure:"base_url"`
	WSURL          string    `mapstructure:"ws_url"`
	RateLimitRPS   float64   `mapstructure:"rate_limit_rps"`
	RateLimitBurst int       `mapstructure:"rate_limit_burst"`

	// Fee rates per order type. Maker may be negative (rebate).
	MakerFeeRate float64 `mapstructure:"maker_fee_rate"`
	TakerFeeRate float64 `mapstructure:"taker_fee_rate"`
}

// QuoteConfig tunes the quote pipeline's noise and quality filters.
type QuoteConfig struct {
	StaleMs       int     `mapstructure:"stale_ms"`       // drop quotes older than this
	MaxDeviation  float64 `mapstructure:"max_deviation"`  // reject mid jumps beyond this fraction
	GoodThreshold float64 `mapstructure:"good_threshold"` // quality score >= this -> GOOD
	WarnThreshold float64 `mapstructure:"warn_threshold"` // quality score >= this -> WARN, else BAD
}

// CapitalConfig sets the pool caps enforced by the capital coordinator.
//
//   - MaxSinglePct: one reservation may take at most this share of its pool.
//   - MaxTotalPct: total in-flight across pools may not exceed this share of equity.
type CapitalConfig struct {
	MaxSinglePct float64 `mapstructure:"max_single_pct"`
	MaxTotalPct  float64 `mapstructure:"max_total_pct"`
}

// RiskConfig holds the hard limits and the three mode presets.
type RiskConfig struct {
	Mode                   string   `mapstructure:"mode"` // conservative | balanced | aggressive
	DailyLossLimitPct      float64  `mapstructure:"daily_loss_limit_pct"`
	DailyLossLimitAbs      float64  `mapstructure:"daily_loss_limit_abs"`
	MaxConsecutiveFailures int      `mapstructure:"max_consecutive_failures"`
	FundingBlackoutMin     int      `mapstructure:"funding_blackout_min"`
	DailyVolumeTarget      float64  `mapstructure:"daily_volume_target"`
	FastMarketSymbols      []string `mapstructure:"fast_market_symbols"`
	DelayedVenues          []string `mapstructure:"delayed_venues"`

	Conservative ModePreset `mapstructure:"conservative"`
	Balanced     ModePreset `mapstructure:"balanced"`
	Aggressive   ModePreset `mapstructure:"aggressive"`
}

// ModePreset is one risk mode's thresholds and weights.
type ModePreset struct {
	MinEdgeBps    float64 `mapstructure:"min_edge_bps"`
	Threshold     float64 `mapstructure:"threshold"`      // reject below this final score
	MaxLatencyMs  float64 `mapstructure:"max_latency_ms"` // per-leg latency cap
	MaxVolatility float64 `mapstructure:"max_volatility"` // rolling stdev cap (fraction)
	SafetyWeight  float64 `mapstructure:"safety_weight"`
	VolumeWeight  float64 `mapstructure:"volume_weight"`
}

// SchedulerConfig bounds the scheduler's queues and concurrency.
type SchedulerConfig struct {
	MaxGlobal     int           `mapstructure:"max_global"`     // running jobs across all venues
	MaxPerVenue   int           `mapstructure:"max_per_venue"`  // running jobs touching one venue
	MaxPending    int           `mapstructure:"max_pending"`    // Submit returns QueueFull beyond this
	TerminalRing  int           `mapstructure:"terminal_ring"`  // retained terminal jobs
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	ExecTimeout   time.Duration `mapstructure:"exec_timeout"`   // per-job execution deadline
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"` // wait for running jobs on stop
	BalanceTol    float64       `mapstructure:"balance_tol"`    // leg-balance tolerance
}

// ExecutorConfig tunes order-type selection and the unhedged-risk watchdog.
type ExecutorConfig struct {
	Mode              string        `mapstructure:"mode"` // safe_taker_only | hybrid_hedge_taker | double_maker_opportunistic
	MakerTimeoutMs    int           `mapstructure:"maker_timeout_ms"`
	MaxUnhedgedUSD    float64       `mapstructure:"max_unhedged_usd"`
	MinFillRate       float64       `mapstructure:"min_fill_rate"`
	MaxFallbackRate   float64       `mapstructure:"max_fallback_rate"`
	WindowSize        int           `mapstructure:"n_window"`
	CooldownSec       int           `mapstructure:"cooldown_sec"`
	MinLiquidityScore float64       `mapstructure:"min_liquidity_score"` // bar for double-maker mode
	WashModeOnly      bool          `mapstructure:"wash_mode_only"`
	MinExpectedPnL    float64       `mapstructure:"min_expected_pnl"`
	PollInterval      time.Duration `mapstructure:"poll_interval"` // fill polling cadence when no push stream
}

// ConnConfig tunes the connection supervisor.
type ConnConfig struct {
	MaxLatencyMs     int           `mapstructure:"max_latency_ms"`
	OpenStreak       int           `mapstructure:"open_streak"`
	HalfOpenWait     time.Duration `mapstructure:"halfopen_wait"`
	HeartbeatEvery   time.Duration `mapstructure:"heartbeat_every"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
}

// ProducerConfig controls the spread detector that forms candidate jobs.
type ProducerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Symbols      []string      `mapstructure:"symbols"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	MinEdgeBps   float64       `mapstructure:"min_edge_bps"`
	NotionalUSD  float64       `mapstructure:"notional_usd"`
}

// StoreConfig sets where terminal job records are persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// APIConfig controls the operator HTTP surface.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides (HEDGE_ prefix).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HEDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config populated with the documented defaults. Used by
// tests and as the base for partial YAML files.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applyDefaults fills zero-valued fields with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Quote.StaleMs == 0 {
		cfg.Quote.StaleMs = 2000
	}
	if cfg.Quote.MaxDeviation == 0 {
		cfg.Quote.MaxDeviation = 0.01
	}
	if cfg.Quote.GoodThreshold == 0 {
		cfg.Quote.GoodThreshold = 80
	}
	if cfg.Quote.WarnThreshold == 0 {
		cfg.Quote.WarnThreshold = 50
	}

	if cfg.Capital.MaxSinglePct == 0 {
		cfg.Capital.MaxSinglePct = 0.10
	}
	if cfg.Capital.MaxTotalPct == 0 {
		cfg.Capital.MaxTotalPct = 0.30
	}

	if cfg.Risk.Mode == "" {
		cfg.Risk.Mode = "balanced"
	}
	if cfg.Risk.DailyLossLimitPct == 0 {
		cfg.Risk.DailyLossLimitPct = 0.05
	}
	if cfg.Risk.DailyLossLimitAbs == 0 {
		cfg.Risk.DailyLossLimitAbs = 5000
	}
	if cfg.Risk.MaxConsecutiveFailures == 0 {
		cfg.Risk.MaxConsecutiveFailures = 5
	}
	if cfg.Risk.FundingBlackoutMin == 0 {
		cfg.Risk.FundingBlackoutMin = 10
	}
	if cfg.Risk.DailyVolumeTarget == 0 {
		cfg.Risk.DailyVolumeTarget = 1_000_000
	}
	if cfg.Risk.Conservative == (ModePreset{}) {
		cfg.Risk.Conservative = ModePreset{MinEdgeBps: 5, Threshold: 80, MaxLatencyMs: 300, MaxVolatility: 0.01, SafetyWeight: 0.8, VolumeWeight: 0.2}
	}
	if cfg.Risk.Balanced == (ModePreset{}) {
		cfg.Risk.Balanced = ModePreset{MinEdgeBps: 3, Threshold: 70, MaxLatencyMs: 500, MaxVolatility: 0.02, SafetyWeight: 0.7, VolumeWeight: 0.3}
	}
	if cfg.Risk.Aggressive == (ModePreset{}) {
		cfg.Risk.Aggressive = ModePreset{MinEdgeBps: 2, Threshold: 60, MaxLatencyMs: 800, MaxVolatility: 0.04, SafetyWeight: 0.6, VolumeWeight: 0.4}
	}

	if cfg.Scheduler.MaxGlobal == 0 {
		cfg.Scheduler.MaxGlobal = 10
	}
	if cfg.Scheduler.MaxPerVenue == 0 {
		cfg.Scheduler.MaxPerVenue = 3
	}
	if cfg.Scheduler.MaxPending == 0 {
		cfg.Scheduler.MaxPending = 10_000
	}
	if cfg.Scheduler.TerminalRing == 0 {
		cfg.Scheduler.TerminalRing = 512
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 500 * time.Millisecond
	}
	if cfg.Scheduler.ExecTimeout == 0 {
		cfg.Scheduler.ExecTimeout = 60 * time.Second
	}
	if cfg.Scheduler.ShutdownGrace == 0 {
		cfg.Scheduler.ShutdownGrace = 30 * time.Second
	}
	if cfg.Scheduler.BalanceTol == 0 {
		cfg.Scheduler.BalanceTol = 1e-9
	}

	if cfg.Executor.Mode == "" {
		cfg.Executor.Mode = "hybrid_hedge_taker"
	}
	if cfg.Executor.MakerTimeoutMs == 0 {
		cfg.Executor.MakerTimeoutMs = 5000
	}
	if cfg.Executor.MaxUnhedgedUSD == 0 {
		cfg.Executor.MaxUnhedgedUSD = 10_000
	}
	if cfg.Executor.MinFillRate == 0 {
		cfg.Executor.MinFillRate = 0.5
	}
	if cfg.Executor.MaxFallbackRate == 0 {
		cfg.Executor.MaxFallbackRate = 0.3
	}
	if cfg.Executor.WindowSize == 0 {
		cfg.Executor.WindowSize = 20
	}
	if cfg.Executor.CooldownSec == 0 {
		cfg.Executor.CooldownSec = 300
	}
	if cfg.Executor.MinLiquidityScore == 0 {
		cfg.Executor.MinLiquidityScore = 70
	}
	if cfg.Executor.PollInterval == 0 {
		cfg.Executor.PollInterval = 100 * time.Millisecond
	}

	if cfg.Conn.MaxLatencyMs == 0 {
		cfg.Conn.MaxLatencyMs = 1000
	}
	if cfg.Conn.OpenStreak == 0 {
		cfg.Conn.OpenStreak = 5
	}
	if cfg.Conn.HalfOpenWait == 0 {
		cfg.Conn.HalfOpenWait = 30 * time.Second
	}
	if cfg.Conn.HeartbeatEvery == 0 {
		cfg.Conn.HeartbeatEvery = 3 * time.Second
	}
	if cfg.Conn.HeartbeatTimeout == 0 {
		cfg.Conn.HeartbeatTimeout = 10 * time.Second
	}
	if cfg.Conn.RetryMaxAttempts == 0 {
		cfg.Conn.RetryMaxAttempts = 3
	}
	if cfg.Conn.RetryBaseDelay == 0 {
		cfg.Conn.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.Conn.RetryMaxDelay == 0 {
		cfg.Conn.RetryMaxDelay = 5 * time.Second
	}

	if cfg.Producer.ScanInterval == 0 {
		cfg.Producer.ScanInterval = time.Second
	}
	if cfg.Producer.MinEdgeBps == 0 {
		cfg.Producer.MinEdgeBps = 5
	}
	if cfg.Producer.NotionalUSD == 0 {
		cfg.Producer.NotionalUSD = 1000
	}

	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "data"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	for i := range cfg.Venues {
		v := &cfg.Venues[i]
		if len(v.PoolPcts) == 0 {
			v.PoolPcts = []float64{0.70, 0.20, 0.10}
		}
		if len(v.SafeModePools) == 0 {
			v.SafeModePools = []string{"S1", "S3"}
		}
		if v.RateLimitRPS == 0 {
			v.RateLimitRPS = 10
		}
		if v.RateLimitBurst == 0 {
			v.RateLimitBurst = 20
		}
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}
	seen := make(map[string]bool)
	for _, v := range c.Venues {
		if v.ID == "" {
			return fmt.Errorf("venue id is required")
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate venue id %q", v.ID)
		}
		seen[v.ID] = true
		if v.Equity <= 0 {
			return fmt.Errorf("venue %s: equity must be > 0", v.ID)
		}
		if len(v.PoolPcts) != 3 {
			return fmt.Errorf("venue %s: pool_pcts must have exactly 3 entries", v.ID)
		}
		var sum float64
		for _, p := range v.PoolPcts {
			if p < 0 {
				return fmt.Errorf("venue %s: pool percentages must be >= 0", v.ID)
			}
			sum += p
		}
		if sum < 0.999 || sum > 1.001 {
			return fmt.Errorf("venue %s: pool_pcts must sum to 1.0, got %v", v.ID, sum)
		}
	}
	if c.Capital.MaxSinglePct <= 0 || c.Capital.MaxSinglePct > 1 {
		return fmt.Errorf("capital.max_single_pct must be in (0, 1]")
	}
	if c.Capital.MaxTotalPct <= 0 || c.Capital.MaxTotalPct > 1 {
		return fmt.Errorf("capital.max_total_pct must be in (0, 1]")
	}
	switch c.Risk.Mode {
	case "conservative", "balanced", "aggressive":
	default:
		return fmt.Errorf("risk.mode must be one of: conservative, balanced, aggressive")
	}
	if c.Scheduler.MaxGlobal <= 0 {
		return fmt.Errorf("scheduler.max_global must be > 0")
	}
	if c.Scheduler.MaxPerVenue <= 0 {
		return fmt.Errorf("scheduler.max_per_venue must be > 0")
	}
	switch c.Executor.Mode {
	case "safe_taker_only", "hybrid_hedge_taker", "double_maker_opportunistic":
	default:
		return fmt.Errorf("executor.mode must be one of: safe_taker_only, hybrid_hedge_taker, double_maker_opportunistic")
	}
	if c.Executor.MakerTimeoutMs <= 0 {
		return fmt.Errorf("executor.maker_timeout_ms must be > 0")
	}
	if c.Executor.MinFillRate < 0 || c.Executor.MinFillRate > 1 {
		return fmt.Errorf("executor.min_fill_rate must be in [0, 1]")
	}
	if c.Executor.MaxFallbackRate < 0 || c.Executor.MaxFallbackRate > 1 {
		return fmt.Errorf("executor.max_fallback_rate must be in [0, 1]")
	}
	return nil
}

// Venue returns the registry entry for a venue id, or nil.
func (c *Config) Venue(id string) *VenueConfig {
	for i := range c.Venues {
		if c.Venues[i].ID == id {
			return &c.Venues[i]
		}
	}
	return nil
}

// Preset returns the ModePreset for a mode name (defaults to balanced).
func (c *Config) Preset(mode string) ModePreset {
	switch mode {
	case "conservative":
		return c.Risk.Conservative
	case "aggressive":
		return c.Risk.Aggressive
	default:
		return c.Risk.Balanced
	}
}
