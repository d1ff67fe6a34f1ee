package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/foreman/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, types.AuthoritySupervised, cfg.Authority)
	assert.Equal(t, 30*time.Minute, cfg.Timeouts.Checkpoint)
	assert.Equal(t, 60*time.Minute, cfg.Timeouts.PauseAndAsk)
	assert.Equal(t, 3*time.Minute, cfg.Timeouts.ModelCall)
	assert.Equal(t, time.Hour, cfg.Timeouts.PauseWaitCeiling)
	assert.Equal(t, 10, cfg.ToolLoop.MaxIterations)
	assert.Equal(t, 5*time.Minute, cfg.ToolLoop.CacheTTL)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.BackoffBase)
	assert.Equal(t, 0.80, cfg.Budget.WarningFraction)
	assert.Equal(t, 0.95, cfg.Budget.HardStopFraction)
	assert.Equal(t, 10*time.Second, cfg.Budget.TimeCheckInterval)
	assert.Equal(t, 1000, cfg.Bus.HistoryWindow)
	assert.Equal(t, 30*time.Second, cfg.Bus.RequestTimeout)
	assert.NotEmpty(t, cfg.RoleKeywords["frontend"])
}

func TestValidate_NilUsesDefaults(t *testing.T) {
	cfg, err := Validate(nil)

	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Timeouts, cfg.Timeouts)
}

func TestValidate_ZeroValuesMerged(t *testing.T) {
	cfg, err := Validate(&Config{MaxConcurrentPods: 4})

	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConcurrentPods)
	assert.Equal(t, 10, cfg.ToolLoop.MaxIterations)
	assert.Equal(t, time.Second, cfg.Retry.BackoffBase)
}

func TestValidate_NegativeRejected(t *testing.T) {
	_, err := Validate(&Config{MaxConcurrentPods: -1})
	assert.Error(t, err)

	_, err = Validate(&Config{Retry: RetryConfig{MaxRetries: -2}})
	assert.Error(t, err)
}

func TestValidate_FractionOutOfRange(t *testing.T) {
	_, err := Validate(&Config{Budget: BudgetConfig{WarningFraction: 1.5}})
	assert.Error(t, err)
}

func TestParse_YAML(t *testing.T) {
	data := []byte(`
authority: autonomous
max_concurrent_pods: 8
timeouts:
  checkpoint_minutes: 15
  model_call_seconds: 120
tool_loop:
  max_iterations: 6
retry:
  backoff_base_ms: 500
pricing:
  default_usd_per_million_tokens: 5.0
  usd_per_million_tokens:
    "anthropic/sonnet": 3.0
`)

	cfg, err := Parse(data)

	require.NoError(t, err)
	assert.Equal(t, types.AuthorityAutonomous, cfg.Authority)
	assert.Equal(t, 8, cfg.MaxConcurrentPods)
	assert.Equal(t, 15*time.Minute, cfg.Timeouts.Checkpoint)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.ModelCall)
	assert.Equal(t, 6, cfg.ToolLoop.MaxIterations)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BackoffBase)
	// Unset fields fall back to defaults.
	assert.Equal(t, 60*time.Minute, cfg.Timeouts.PauseAndAsk)
	assert.Equal(t, 1000, cfg.Bus.HistoryWindow)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("timeouts: ["))
	assert.Error(t, err)
}

func TestPricing_CostFor(t *testing.T) {
	p := PricingConfig{
		DefaultUSDPerMillionTokens: 3.0,
		USDPerMillionTokens:        map[string]float64{"anthropic/opus": 15.0},
	}

	assert.InDelta(t, 0.003, p.CostFor("anthropic", "sonnet", 1000), 1e-9)
	assert.InDelta(t, 0.015, p.CostFor("anthropic", "opus", 1000), 1e-9)
}
