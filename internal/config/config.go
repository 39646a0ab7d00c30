// Package config defines all configuration for the trading client.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KIS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Credentials is one KIS credential set (live or paper endpoint).
type Credentials struct {
	URL       string `mapstructure:"url"`
	AppKey    string `mapstructure:"app_key"`
	AppSecret string `mapstructure:"app_secret"`
	AccountNo string `mapstructure:"stock_account_number"`
}

// Configured reports whether all required fields of the set are present.
func (c Credentials) Configured() bool {
	return c.URL != "" && c.AppKey != "" && c.AppSecret != "" && c.AccountNo != ""
}

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	CustType  string `mapstructure:"custtype"` // single char: "P" personal, "B" corporate
	UserAgent string `mapstructure:"user_agent"`
	IsPaper   bool   `mapstructure:"is_paper"`
	HtsID     string `mapstructure:"hts_id"`

	Live  Credentials `mapstructure:"live"`
	Paper Credentials `mapstructure:"paper"`

	// RealFallback is an optional second live credential set used only when
	// paper trading has no coverage for an endpoint.
	RealFallback *Credentials `mapstructure:"real_fallback"`

	WebsocketURL string `mapstructure:"websocket_url"`

	TradingHolidays []string          `mapstructure:"trading_holidays"` // ISO dates
	SectorMap       map[string]string `mapstructure:"sector_map"`       // symbol → sector

	Universe   UniverseConfig   `mapstructure:"universe"`
	Risk       RiskConfig       `mapstructure:"risk"`
	RateBudget RateBudgetConfig `mapstructure:"rate_budget"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	TRID       TRIDConfig       `mapstructure:"trid"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// UniverseConfig holds the candidate list and pre-filter thresholds.
type UniverseConfig struct {
	Tickers          []string `mapstructure:"tickers"`
	McapMin          float64  `mapstructure:"mcap_min"` // KRW
	McapMax          float64  `mapstructure:"mcap_max"` // KRW, 0 = unbounded
	AdtvMin          float64  `mapstructure:"adtv_min"` // 20-day avg traded value, KRW
	ExcludeNonEquity bool     `mapstructure:"exclude_non_equity"`
	SkipAPIErrors    bool     `mapstructure:"skip_api_errors"` // fail-open on transport errors
}

// RiskConfig holds the sector-exposure policy.
//
//   - Mode: "count", "pct" or "both".
//   - UnknownSectorPolicy: "allow" or "block" for symbols without a sector tag.
type RiskConfig struct {
	Mode                  string  `mapstructure:"exposure_mode"`
	MaxPositionsPerSector int     `mapstructure:"max_positions_per_sector"`
	MaxSectorPct          float64 `mapstructure:"max_sector_pct"`
	UnknownSectorPolicy   string  `mapstructure:"unknown_sector_policy"`
}

// BucketOverride tunes one endpoint-class token bucket.
type BucketOverride struct {
	Capacity   int     `mapstructure:"capacity"`
	RefillRate float64 `mapstructure:"refill_rate"`
}

// RateBudgetConfig configures the rate coordinator. StateFile enables
// cross-process sharing; empty keeps the budget in-memory only.
type RateBudgetConfig struct {
	StateFile string                    `mapstructure:"state_file"`
	Overrides map[string]BucketOverride `mapstructure:"overrides"`
	// PriorityWindows maps strategy id → "HH:MM-HH:MM" window strings.
	PriorityWindows map[string][]string `mapstructure:"priority_windows"`
}

// StrategyConfig holds the per-strategy switches the execution substrate
// consumes. Business parameters beyond these are typed constants supplied
// at construction.
type StrategyConfig struct {
	ID                 string  `mapstructure:"id"` // strategy id for the rate coordinator
	RequireHeldSupport bool    `mapstructure:"require_held_support"`
	QualityMin         int     `mapstructure:"quality_min"`
	ORRangeMax         float64 `mapstructure:"or_range_max"` // fraction of OR mid
	MinSurgeSlope      float64 `mapstructure:"min_surge_slope"`
	EnableRvolHardGate bool    `mapstructure:"enable_rvol_hard_gate"`
	AllowTierCReduced  bool    `mapstructure:"allow_tier_c_reduced"`
	LeaderTierAPct     int     `mapstructure:"leader_tier_a_pct"`
	LeaderTierBPct     int     `mapstructure:"leader_tier_b_pct"`
	FlowPersistenceMin float64 `mapstructure:"flow_persistence_min"`
	ConfirmBars        int     `mapstructure:"confirm_bars"`
}

// TRIDConfig injects the paper-trading TR-ID table. Overrides merge over
// the built-in defaults; Passthrough lists live TR-IDs usable unchanged in
// paper mode.
type TRIDConfig struct {
	Overrides   map[string]string `mapstructure:"overrides"`
	Passthrough []string          `mapstructure:"passthrough"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KIS_APP_KEY, KIS_APP_SECRET,
// KIS_PAPER_APP_KEY, KIS_PAPER_APP_SECRET, KIS_HTS_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("KIS_APP_KEY"); key != "" {
		cfg.Live.AppKey = key
	}
	if secret := os.Getenv("KIS_APP_SECRET"); secret != "" {
		cfg.Live.AppSecret = secret
	}
	if key := os.Getenv("KIS_PAPER_APP_KEY"); key != "" {
		cfg.Paper.AppKey = key
	}
	if secret := os.Getenv("KIS_PAPER_APP_SECRET"); secret != "" {
		cfg.Paper.AppSecret = secret
	}
	if id := os.Getenv("KIS_HTS_ID"); id != "" {
		cfg.HtsID = id
	}

	return &cfg, nil
}

// Primary returns the credential set for the configured trading mode.
func (c *Config) Primary() Credentials {
	if c.IsPaper {
		return c.Paper
	}
	return c.Live
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.CustType) != 1 {
		return fmt.Errorf("custtype must be a single character, got %q", c.CustType)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	if c.HtsID == "" {
		return fmt.Errorf("hts_id is required (set KIS_HTS_ID)")
	}
	if !c.Primary().Configured() {
		mode := "live"
		if c.IsPaper {
			mode = "paper"
		}
		return fmt.Errorf("%s credentials incomplete: url, app_key, app_secret and stock_account_number are required", mode)
	}
	if c.RealFallback != nil {
		if !c.IsPaper {
			return fmt.Errorf("real_fallback is only valid with is_paper: true")
		}
		if !c.RealFallback.Configured() {
			return fmt.Errorf("real_fallback credentials incomplete")
		}
	}
	if c.WebsocketURL == "" {
		return fmt.Errorf("websocket_url is required")
	}
	switch c.Risk.Mode {
	case "", "count", "pct", "both":
	default:
		return fmt.Errorf("risk.exposure_mode must be one of: count, pct, both")
	}
	switch c.Risk.UnknownSectorPolicy {
	case "", "allow", "block":
	default:
		return fmt.Errorf("risk.unknown_sector_policy must be allow or block")
	}
	return nil
}
