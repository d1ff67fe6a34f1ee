package config

import (
	"time"

	"github.com/AltairaLabs/foreman/types"
)

// fileConfig is the on-disk YAML schema. Durations carry explicit units in
// their field names so files stay readable without a custom duration syntax.
type fileConfig struct {
	Authority             string              `yaml:"authority,omitempty"`
	MaxConcurrentPods     int                 `yaml:"max_concurrent_pods,omitempty"`
	SupportedPlanVersions string              `yaml:"supported_plan_versions,omitempty"`
	Timeouts              fileTimeouts        `yaml:"timeouts,omitempty"`
	ToolLoop              fileToolLoop        `yaml:"tool_loop,omitempty"`
	Retry                 fileRetry           `yaml:"retry,omitempty"`
	Budget                fileBudget          `yaml:"budget,omitempty"`
	Bus                   fileBus             `yaml:"bus,omitempty"`
	RoleKeywords          map[string][]string `yaml:"role_keywords,omitempty"`
	Pricing               filePricing         `yaml:"pricing,omitempty"`
}

type fileTimeouts struct {
	CheckpointMinutes       int `yaml:"checkpoint_minutes,omitempty"`
	ClarificationMinutes    int `yaml:"clarification_minutes,omitempty"`
	PauseAndAskMinutes      int `yaml:"pause_and_ask_minutes,omitempty"`
	ModelCallSeconds        int `yaml:"model_call_seconds,omitempty"`
	PauseWaitCeilingMinutes int `yaml:"pause_wait_ceiling_minutes,omitempty"`
	PodIdleTTLMinutes       int `yaml:"pod_idle_ttl_minutes,omitempty"`
}

type fileToolLoop struct {
	MaxIterations   int `yaml:"max_iterations,omitempty"`
	ResultCharLimit int `yaml:"result_char_limit,omitempty"`
	CacheTTLSeconds int `yaml:"cache_ttl_seconds,omitempty"`
}

type fileRetry struct {
	MaxRetries        int     `yaml:"max_retries,omitempty"`
	BackoffBaseMillis int     `yaml:"backoff_base_ms,omitempty"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty"`
}

type fileBudget struct {
	WarningFraction          float64 `yaml:"warning_fraction,omitempty"`
	HardStopFraction         float64 `yaml:"hard_stop_fraction,omitempty"`
	TimeCheckIntervalSeconds int     `yaml:"time_check_interval_seconds,omitempty"`
	ErrorThreshold           int     `yaml:"error_threshold,omitempty"`
}

type fileBus struct {
	HistoryWindow         int `yaml:"history_window,omitempty"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds,omitempty"`
}

type filePricing struct {
	DefaultUSDPerMillionTokens float64            `yaml:"default_usd_per_million_tokens,omitempty"`
	USDPerMillionTokens        map[string]float64 `yaml:"usd_per_million_tokens,omitempty"`
}

// toConfig converts the file schema to a Config, leaving unset fields zero so
// Validate can merge defaults.
func (fc fileConfig) toConfig() *Config {
	return &Config{
		Authority:             types.Authority(fc.Authority),
		MaxConcurrentPods:     fc.MaxConcurrentPods,
		SupportedPlanVersions: fc.SupportedPlanVersions,
		Timeouts: TimeoutConfig{
			Checkpoint:       time.Duration(fc.Timeouts.CheckpointMinutes) * time.Minute,
			Clarification:    time.Duration(fc.Timeouts.ClarificationMinutes) * time.Minute,
			PauseAndAsk:      time.Duration(fc.Timeouts.PauseAndAskMinutes) * time.Minute,
			ModelCall:        time.Duration(fc.Timeouts.ModelCallSeconds) * time.Second,
			PauseWaitCeiling: time.Duration(fc.Timeouts.PauseWaitCeilingMinutes) * time.Minute,
			PodIdleTTL:       time.Duration(fc.Timeouts.PodIdleTTLMinutes) * time.Minute,
		},
		ToolLoop: ToolLoopConfig{
			MaxIterations:   fc.ToolLoop.MaxIterations,
			ResultCharLimit: fc.ToolLoop.ResultCharLimit,
			CacheTTL:        time.Duration(fc.ToolLoop.CacheTTLSeconds) * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:        fc.Retry.MaxRetries,
			BackoffBase:       time.Duration(fc.Retry.BackoffBaseMillis) * time.Millisecond,
			BackoffMultiplier: fc.Retry.BackoffMultiplier,
		},
		Budget: BudgetConfig{
			WarningFraction:   fc.Budget.WarningFraction,
			HardStopFraction:  fc.Budget.HardStopFraction,
			TimeCheckInterval: time.Duration(fc.Budget.TimeCheckIntervalSeconds) * time.Second,
			ErrorThreshold:    fc.Budget.ErrorThreshold,
		},
		Bus: BusConfig{
			HistoryWindow:  fc.Bus.HistoryWindow,
			RequestTimeout: time.Duration(fc.Bus.RequestTimeoutSeconds) * time.Second,
		},
		RoleKeywords: fc.RoleKeywords,
		Pricing: PricingConfig{
			DefaultUSDPerMillionTokens: fc.Pricing.DefaultUSDPerMillionTokens,
			USDPerMillionTokens:        fc.Pricing.USDPerMillionTokens,
		},
	}
}
