package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
environment:
  mode: paper
strategy:
  symbol: SPY
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "SPY", cfg.Strategy.Symbol)
	assert.Equal(t, 1, cfg.Strategy.Quantity)
	assert.InDelta(t, 18.0, cfg.Strategy.VIXEntryCeiling, 1e-9)
	assert.InDelta(t, 25.0, cfg.Strategy.VIXDefensiveCeiling, 1e-9)
	assert.InDelta(t, 0.015, cfg.Strategy.TargetNetReturn, 1e-9)
	assert.InDelta(t, 1.33, cfg.Strategy.MultiplierFloor, 1e-9)
	assert.InDelta(t, 2.0, cfg.Strategy.MultiplierCeiling, 1e-9)
	assert.InDelta(t, 0.3, cfg.Strategy.SymmetryTolerance, 1e-9)
	assert.InDelta(t, 5.0, cfg.Strategy.RecenterThreshold, 1e-9)
	assert.Equal(t, 60, cfg.Strategy.LongExitDTE)

	assert.Equal(t, 10*time.Second, cfg.NormalInterval())
	assert.Equal(t, 2*time.Second, cfg.VigilantInterval())
	assert.Equal(t, 30*time.Minute, cfg.OpeningRangeDelay())
	assert.InDelta(t, 0.60, cfg.Monitoring.VigilantCushion, 1e-9)
	assert.InDelta(t, 0.75, cfg.Monitoring.ChallengedCushion, 1e-9)
	assert.InDelta(t, 0.001, cfg.Monitoring.EmergencyProximityPct, 1e-9)

	assert.Equal(t, 10, cfg.Orders.MaxContractsPerOrder)
	assert.Equal(t, 20, cfg.Orders.MaxContractsPerUnderlying)
	assert.InDelta(t, 0.05, cfg.Orders.SlippageWarnPct, 1e-9)
	assert.InDelta(t, 0.15, cfg.Orders.SlippageCriticalPct, 1e-9)

	assert.Equal(t, 5, cfg.Emergency.RetryCount)
	assert.Equal(t, 5*time.Second, cfg.EmergencyRetryDelay())
	assert.Equal(t, 30*time.Second, cfg.SpreadNormalizeWait())
	assert.Equal(t, 3, cfg.Emergency.SpreadNormalizeAttempts)

	assert.Equal(t, 10, cfg.Breaker.Window)
	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Equal(t, 30*time.Minute, cfg.PartialFillCooldown())
	assert.Equal(t, time.Hour, cfg.RollFailureCooldown())
	assert.Equal(t, 2*time.Hour, cfg.EmergencyCooldown())

	assert.True(t, cfg.IsPaperTrading())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+"\nbogus_section:\n  x: 1\n"))
	assert.Error(t, err)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_BROKER_KEY", "secret-token")
	cfg, err := Load(writeConfig(t, `
environment:
  mode: live
broker:
  api_key: ${TEST_BROKER_KEY}
  account_id: ACCT123
strategy:
  symbol: SPY
`))
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Broker.APIKey)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "demo" }},
		{"missing symbol", func(c *Config) { c.Strategy.Symbol = "" }},
		{"entry ceiling above defensive", func(c *Config) { c.Strategy.VIXEntryCeiling = 30 }},
		{"floor below safety floor", func(c *Config) { c.Strategy.MultiplierFloor = 0.9 }},
		{"ceiling below floor", func(c *Config) { c.Strategy.MultiplierCeiling = 1.2 }},
		{"vigilant above challenged", func(c *Config) { c.Monitoring.VigilantCushion = 0.8 }},
		{"order caps inverted", func(c *Config) { c.Orders.MaxContractsPerUnderlying = 5 }},
		{"warn above critical", func(c *Config) { c.Orders.SlippageWarnPct = 0.2 }},
		{"threshold above window", func(c *Config) { c.Breaker.Threshold = 11 }},
		{"bad interval", func(c *Config) { c.Monitoring.NormalInterval = "ten seconds" }},
		{"exit dte above target", func(c *Config) { c.Strategy.LongExitDTE = 200 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLiveModeRequiresCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, `
environment:
  mode: live
strategy:
  symbol: SPY
`))
	assert.Error(t, err)
}

func TestMarketOpenAt(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	day := time.Date(2025, 3, 3, 18, 45, 0, 0, time.UTC)
	open := cfg.MarketOpenAt(day)
	assert.Equal(t, 9, open.Hour())
	assert.Equal(t, 30, open.Minute())
	assert.Equal(t, day.In(cfg.Location()).Day(), open.Day())
}
