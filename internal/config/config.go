// Package config provides configuration management for the trading engine.
// Every tunable the engine consumes lives here exactly once; scan bounds and
// fallback tiers always derive from this struct, never from parallel constant
// tables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when a value is unset.
const (
	defaultVIXEntryCeiling     = 18.0
	defaultVIXDefensiveCeiling = 25.0
	defaultTargetNetReturn     = 0.015
	defaultMultiplierFloor     = 1.33
	defaultMultiplierCeiling   = 2.0
	defaultSafetyFloor         = 1.0
	defaultSymmetryTolerance   = 0.3
	defaultMultiplierStep      = 0.05
	defaultStrikeIncrement     = 1.0
	defaultRecenterThreshold   = 5.0
	defaultLongTargetDTE       = 120
	defaultLongExitDTE         = 60
	defaultWeeklyThetaPct      = 0.01
	defaultFeePerContract      = 0.66
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig    `yaml:"environment"`
	Broker      BrokerConfig         `yaml:"broker"`
	Strategy    StrategyConfig       `yaml:"strategy"`
	Monitoring  MonitoringConfig     `yaml:"monitoring"`
	Orders      OrdersConfig         `yaml:"orders"`
	Emergency   EmergencyConfig      `yaml:"emergency"`
	Breaker     ActionBreakerConfig  `yaml:"circuit_breaker"`
	Schedule    ScheduleConfig       `yaml:"schedule"`
	Storage     StorageConfig        `yaml:"storage"`
	Dashboard   DashboardConfig      `yaml:"dashboard"`
	Logging     LoggingConfig        `yaml:"logging"`
}

// EnvironmentConfig defines the runtime environment settings.
type EnvironmentConfig struct {
	Mode string `yaml:"mode"` // paper | live
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	AccountID string `yaml:"account_id"`
	Sandbox   bool   `yaml:"sandbox"`
}

// StrategyConfig defines the straddle/strangle strategy parameters.
type StrategyConfig struct {
	Symbol   string `yaml:"symbol"`
	Quantity int    `yaml:"quantity"`

	// Entry gating
	VIXEntryCeiling     float64 `yaml:"vix_entry_ceiling"`
	VIXDefensiveCeiling float64 `yaml:"vix_defensive_ceiling"`

	// Strike selection
	TargetNetReturn   float64 `yaml:"target_net_return"`
	MultiplierFloor   float64 `yaml:"multiplier_floor"`
	MultiplierCeiling float64 `yaml:"multiplier_ceiling"`
	SafetyFloor       float64 `yaml:"safety_floor"`
	SymmetryTolerance float64 `yaml:"symmetry_tolerance"`
	MultiplierStep    float64 `yaml:"multiplier_step"`
	StrikeIncrement   float64 `yaml:"strike_increment"`
	WeeklyThetaPct    float64 `yaml:"weekly_theta_pct"`
	FeePerContract    float64 `yaml:"fee_per_contract"`

	// Long straddle management
	RecenterThreshold float64 `yaml:"recenter_threshold"`
	LongTargetDTE     int     `yaml:"long_target_dte"`
	LongExitDTE       int     `yaml:"long_exit_dte"`
}

// MonitoringConfig drives the cushion monitor tiers and polling cadence.
type MonitoringConfig struct {
	NormalInterval        string  `yaml:"normal_interval"`   // e.g. "10s"
	VigilantInterval      string  `yaml:"vigilant_interval"` // e.g. "2s"
	VigilantCushion       float64 `yaml:"vigilant_cushion"`
	ChallengedCushion     float64 `yaml:"challenged_cushion"`
	EmergencyProximityPct float64 `yaml:"emergency_proximity_pct"`
	LegacyChallengedPct   float64 `yaml:"legacy_challenged_pct"`
	DailyMoveEmergencyPct float64 `yaml:"daily_move_emergency_pct"`
}

// OrdersConfig bounds order sizes and slippage observability thresholds.
type OrdersConfig struct {
	MaxContractsPerOrder      int     `yaml:"max_contracts_per_order"`
	MaxContractsPerUnderlying int     `yaml:"max_contracts_per_underlying"`
	SlippageWarnPct           float64 `yaml:"slippage_warn_pct"`
	SlippageCriticalPct       float64 `yaml:"slippage_critical_pct"`
	TickSize                  float64 `yaml:"tick_size"`
}

// EmergencyConfig drives the bounded-retry liquidation ladder.
type EmergencyConfig struct {
	RetryCount              int     `yaml:"retry_count"`
	RetryDelay              string  `yaml:"retry_delay"` // e.g. "5s"
	MarketOrderFallback     bool    `yaml:"market_order_fallback"`
	SpreadNormalizeWait     string  `yaml:"spread_normalize_wait"` // e.g. "30s"
	SpreadNormalizeAttempts int     `yaml:"spread_normalize_attempts"`
	SpreadRatioThreshold    float64 `yaml:"spread_ratio_threshold"`
}

// ActionBreakerConfig drives the trading-action circuit breaker.
type ActionBreakerConfig struct {
	Window              int    `yaml:"window"`
	Threshold           int    `yaml:"threshold"`
	PartialFillCooldown string `yaml:"partial_fill_cooldown"` // e.g. "30m"
	RollFailureCooldown string `yaml:"roll_failure_cooldown"` // e.g. "60m"
	EmergencyCooldown   string `yaml:"emergency_cooldown"`    // e.g. "120m"
}

// ScheduleConfig defines market-session timing.
type ScheduleConfig struct {
	Timezone          string `yaml:"timezone"`            // e.g. "America/New_York"
	MarketOpen        string `yaml:"market_open"`         // "HH:MM"
	MarketClose       string `yaml:"market_close"`        // "HH:MM"
	OpeningRangeDelay string `yaml:"opening_range_delay"` // e.g. "30m"
}

// StorageConfig defines persistence settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the read-only status server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig defines log level and file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug | info | warn | error
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills unset values with defaults. Zero means unset for every
// numeric knob here; booleans keep their yaml value.
func (c *Config) normalize() {
	s := &c.Strategy
	if s.Quantity == 0 {
		s.Quantity = 1
	}
	if s.VIXEntryCeiling == 0 {
		s.VIXEntryCeiling = defaultVIXEntryCeiling
	}
	if s.VIXDefensiveCeiling == 0 {
		s.VIXDefensiveCeiling = defaultVIXDefensiveCeiling
	}
	if s.TargetNetReturn == 0 {
		s.TargetNetReturn = defaultTargetNetReturn
	}
	if s.MultiplierFloor == 0 {
		s.MultiplierFloor = defaultMultiplierFloor
	}
	if s.MultiplierCeiling == 0 {
		s.MultiplierCeiling = defaultMultiplierCeiling
	}
	if s.SafetyFloor == 0 {
		s.SafetyFloor = defaultSafetyFloor
	}
	if s.SymmetryTolerance == 0 {
		s.SymmetryTolerance = defaultSymmetryTolerance
	}
	if s.MultiplierStep == 0 {
		s.MultiplierStep = defaultMultiplierStep
	}
	if s.StrikeIncrement == 0 {
		s.StrikeIncrement = defaultStrikeIncrement
	}
	if s.WeeklyThetaPct == 0 {
		s.WeeklyThetaPct = defaultWeeklyThetaPct
	}
	if s.FeePerContract == 0 {
		s.FeePerContract = defaultFeePerContract
	}
	if s.RecenterThreshold == 0 {
		s.RecenterThreshold = defaultRecenterThreshold
	}
	if s.LongTargetDTE == 0 {
		s.LongTargetDTE = defaultLongTargetDTE
	}
	if s.LongExitDTE == 0 {
		s.LongExitDTE = defaultLongExitDTE
	}

	m := &c.Monitoring
	if m.NormalInterval == "" {
		m.NormalInterval = "10s"
	}
	if m.VigilantInterval == "" {
		m.VigilantInterval = "2s"
	}
	if m.VigilantCushion == 0 {
		m.VigilantCushion = 0.60
	}
	if m.ChallengedCushion == 0 {
		m.ChallengedCushion = 0.75
	}
	if m.EmergencyProximityPct == 0 {
		m.EmergencyProximityPct = 0.001
	}
	if m.LegacyChallengedPct == 0 {
		m.LegacyChallengedPct = 0.005
	}
	if m.DailyMoveEmergencyPct == 0 {
		m.DailyMoveEmergencyPct = 0.05
	}

	o := &c.Orders
	if o.MaxContractsPerOrder == 0 {
		o.MaxContractsPerOrder = 10
	}
	if o.MaxContractsPerUnderlying == 0 {
		o.MaxContractsPerUnderlying = 20
	}
	if o.SlippageWarnPct == 0 {
		o.SlippageWarnPct = 0.05
	}
	if o.SlippageCriticalPct == 0 {
		o.SlippageCriticalPct = 0.15
	}
	if o.TickSize == 0 {
		o.TickSize = 0.01
	}

	e := &c.Emergency
	if e.RetryCount == 0 {
		e.RetryCount = 5
	}
	if e.RetryDelay == "" {
		e.RetryDelay = "5s"
	}
	if e.SpreadNormalizeWait == "" {
		e.SpreadNormalizeWait = "30s"
	}
	if e.SpreadNormalizeAttempts == 0 {
		e.SpreadNormalizeAttempts = 3
	}
	if e.SpreadRatioThreshold == 0 {
		e.SpreadRatioThreshold = 0.5
	}

	b := &c.Breaker
	if b.Window == 0 {
		b.Window = 10
	}
	if b.Threshold == 0 {
		b.Threshold = 5
	}
	if b.PartialFillCooldown == "" {
		b.PartialFillCooldown = "30m"
	}
	if b.RollFailureCooldown == "" {
		b.RollFailureCooldown = "60m"
	}
	if b.EmergencyCooldown == "" {
		b.EmergencyCooldown = "120m"
	}

	sch := &c.Schedule
	if sch.Timezone == "" {
		sch.Timezone = "America/New_York"
	}
	if sch.MarketOpen == "" {
		sch.MarketOpen = "09:30"
	}
	if sch.MarketClose == "" {
		sch.MarketClose = "16:00"
	}
	if sch.OpeningRangeDelay == "" {
		sch.OpeningRangeDelay = "30m"
	}

	if c.Dashboard.Enabled && c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/cycles.json"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if c.Environment.Mode == "live" {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required in live mode")
		}
	}

	s := c.Strategy
	if s.Symbol == "" {
		return fmt.Errorf("strategy.symbol is required")
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("strategy.quantity must be > 0")
	}
	if s.VIXEntryCeiling <= 0 || s.VIXEntryCeiling >= s.VIXDefensiveCeiling {
		return fmt.Errorf("strategy.vix_entry_ceiling (%.1f) must be positive and below vix_defensive_ceiling (%.1f)",
			s.VIXEntryCeiling, s.VIXDefensiveCeiling)
	}
	if s.TargetNetReturn <= 0 || s.TargetNetReturn >= 1 {
		return fmt.Errorf("strategy.target_net_return must be in (0,1)")
	}
	if s.SafetyFloor <= 0 || s.MultiplierFloor <= s.SafetyFloor || s.MultiplierCeiling <= s.MultiplierFloor {
		return fmt.Errorf("strategy multipliers must satisfy 0 < safety_floor (%.2f) < floor (%.2f) < ceiling (%.2f)",
			s.SafetyFloor, s.MultiplierFloor, s.MultiplierCeiling)
	}
	if s.SymmetryTolerance <= 0 {
		return fmt.Errorf("strategy.symmetry_tolerance must be > 0")
	}
	if s.MultiplierStep <= 0 || s.MultiplierStep > s.MultiplierCeiling-s.SafetyFloor {
		return fmt.Errorf("strategy.multiplier_step %.3f is out of range", s.MultiplierStep)
	}
	if s.StrikeIncrement <= 0 {
		return fmt.Errorf("strategy.strike_increment must be > 0")
	}
	if s.RecenterThreshold <= 0 {
		return fmt.Errorf("strategy.recenter_threshold must be > 0")
	}
	if s.LongExitDTE <= 0 || s.LongTargetDTE <= s.LongExitDTE {
		return fmt.Errorf("strategy.long_target_dte (%d) must exceed long_exit_dte (%d > 0)",
			s.LongTargetDTE, s.LongExitDTE)
	}

	m := c.Monitoring
	if m.VigilantCushion <= 0 || m.VigilantCushion >= m.ChallengedCushion || m.ChallengedCushion >= 1 {
		return fmt.Errorf("monitoring cushions must satisfy 0 < vigilant (%.2f) < challenged (%.2f) < 1",
			m.VigilantCushion, m.ChallengedCushion)
	}
	if m.EmergencyProximityPct <= 0 || m.EmergencyProximityPct >= 1 {
		return fmt.Errorf("monitoring.emergency_proximity_pct must be in (0,1)")
	}
	for name, v := range map[string]string{
		"monitoring.normal_interval":            m.NormalInterval,
		"monitoring.vigilant_interval":          m.VigilantInterval,
		"emergency.retry_delay":                 c.Emergency.RetryDelay,
		"emergency.spread_normalize_wait":       c.Emergency.SpreadNormalizeWait,
		"circuit_breaker.partial_fill_cooldown": c.Breaker.PartialFillCooldown,
		"circuit_breaker.roll_failure_cooldown": c.Breaker.RollFailureCooldown,
		"circuit_breaker.emergency_cooldown":    c.Breaker.EmergencyCooldown,
		"schedule.opening_range_delay":          c.Schedule.OpeningRangeDelay,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}

	o := c.Orders
	if o.MaxContractsPerOrder <= 0 || o.MaxContractsPerUnderlying < o.MaxContractsPerOrder {
		return fmt.Errorf("orders caps must satisfy 0 < per_order (%d) <= per_underlying (%d)",
			o.MaxContractsPerOrder, o.MaxContractsPerUnderlying)
	}
	if o.SlippageWarnPct <= 0 || o.SlippageWarnPct >= o.SlippageCriticalPct {
		return fmt.Errorf("orders slippage thresholds must satisfy 0 < warn (%.2f) < critical (%.2f)",
			o.SlippageWarnPct, o.SlippageCriticalPct)
	}

	e := c.Emergency
	if e.RetryCount <= 0 {
		return fmt.Errorf("emergency.retry_count must be > 0")
	}
	if e.SpreadRatioThreshold <= 0 || e.SpreadRatioThreshold >= 1 {
		return fmt.Errorf("emergency.spread_ratio_threshold must be in (0,1)")
	}

	b := c.Breaker
	if b.Window <= 0 || b.Threshold <= 0 || b.Threshold > b.Window {
		return fmt.Errorf("circuit_breaker threshold (%d) must be in (0, window (%d)]", b.Threshold, b.Window)
	}

	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	open, err1 := time.ParseInLocation("15:04", c.Schedule.MarketOpen, loc)
	cls, err2 := time.ParseInLocation("15:04", c.Schedule.MarketClose, loc)
	if err1 != nil || err2 != nil || !open.Before(cls) {
		return fmt.Errorf("schedule market open/close window invalid")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error")
	}

	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// mustDuration parses a duration already vetted by Validate.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// NormalInterval returns the Normal-tier polling interval.
func (c *Config) NormalInterval() time.Duration { return mustDuration(c.Monitoring.NormalInterval) }

// VigilantInterval returns the Vigilant/Challenged polling interval.
func (c *Config) VigilantInterval() time.Duration { return mustDuration(c.Monitoring.VigilantInterval) }

// OpeningRangeDelay returns how long after the open a fresh entry waits.
func (c *Config) OpeningRangeDelay() time.Duration { return mustDuration(c.Schedule.OpeningRangeDelay) }

// EmergencyRetryDelay returns the delay between emergency close attempts.
func (c *Config) EmergencyRetryDelay() time.Duration { return mustDuration(c.Emergency.RetryDelay) }

// SpreadNormalizeWait returns the per-attempt spread normalization budget.
func (c *Config) SpreadNormalizeWait() time.Duration {
	return mustDuration(c.Emergency.SpreadNormalizeWait)
}

// PartialFillCooldown returns the retry cooldown after a partial fill.
func (c *Config) PartialFillCooldown() time.Duration {
	return mustDuration(c.Breaker.PartialFillCooldown)
}

// RollFailureCooldown returns the retry cooldown after a roll failure.
func (c *Config) RollFailureCooldown() time.Duration {
	return mustDuration(c.Breaker.RollFailureCooldown)
}

// EmergencyCooldown returns the retry cooldown after an emergency exit.
func (c *Config) EmergencyCooldown() time.Duration {
	return mustDuration(c.Breaker.EmergencyCooldown)
}

// Location returns the schedule timezone, vetted by Validate.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// MarketOpenAt returns today's market open in the schedule timezone.
func (c *Config) MarketOpenAt(day time.Time) time.Time {
	return c.sessionBoundary(day, c.Schedule.MarketOpen, 9, 30)
}

// MarketCloseAt returns today's market close in the schedule timezone.
func (c *Config) MarketCloseAt(day time.Time) time.Time {
	return c.sessionBoundary(day, c.Schedule.MarketClose, 16, 0)
}

func (c *Config) sessionBoundary(day time.Time, hhmm string, defHour, defMin int) time.Time {
	loc := c.Location()
	t, err := time.ParseInLocation("15:04", hhmm, loc)
	if err != nil {
		t = time.Date(0, 1, 1, defHour, defMin, 0, 0, loc)
	}
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}
