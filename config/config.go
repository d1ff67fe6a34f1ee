// Package config defines runtime configuration for work-order execution.
//
// All fields have sensible defaults and are optional. Zero values mean "not
// set, use default"; negative values are rejected by Validate. Configuration
// can be loaded from a YAML file where durations are expressed in explicit
// units (minutes, seconds, milliseconds) to keep the file human-editable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AltairaLabs/foreman/types"
)

// Config is the top-level runtime configuration for the execution engine and
// its collaborators.
type Config struct {
	// Authority is the default autonomy level for workflows that do not set
	// their own. Default: supervised.
	Authority types.Authority

	// MaxConcurrentPods caps how many pods may execute tasks at the same
	// time. Zero means no cap (one goroutine per pod in a group).
	MaxConcurrentPods int

	// SupportedPlanVersions is a semver constraint that plan schema versions
	// must satisfy. Default: ">=1.0.0 <2.0.0".
	SupportedPlanVersions string

	Timeouts     TimeoutConfig
	ToolLoop     ToolLoopConfig
	Retry        RetryConfig
	Budget       BudgetConfig
	Bus          BusConfig
	RoleKeywords map[string][]string
	Pricing      PricingConfig
}

// TimeoutConfig groups the wait windows used across the engine.
type TimeoutConfig struct {
	// Checkpoint is how long a checkpoint waits for a human decision before
	// auto-continuing. Default: 30 minutes.
	Checkpoint time.Duration

	// Clarification is how long a clarification waits for a human answer
	// before falling back to the auxiliary model. Default: 30 minutes.
	Clarification time.Duration

	// PauseAndAsk is how long a hard pause waits for a human answer before
	// resuming with a placeholder. Default: 60 minutes.
	PauseAndAsk time.Duration

	// ModelCall bounds a single model invocation. Default: 3 minutes.
	ModelCall time.Duration

	// PauseWaitCeiling bounds how long execution waits on a paused workflow
	// before giving up. Default: 1 hour.
	PauseWaitCeiling time.Duration

	// PodIdleTTL is how long a released pod may sit idle before pruning.
	// Default: 30 minutes.
	PodIdleTTL time.Duration
}

// ToolLoopConfig bounds the model/tool conversation loop of one task.
type ToolLoopConfig struct {
	// MaxIterations caps model/tool roundtrips per task. Default: 10.
	MaxIterations int

	// ResultCharLimit truncates each tool result fed back to the model.
	// Default: 10000.
	ResultCharLimit int

	// CacheTTL bounds how long idempotent read results are reused.
	// Default: 5 minutes.
	CacheTTL time.Duration
}

// RetryConfig controls per-task retry behavior.
type RetryConfig struct {
	// MaxRetries caps retry attempts after the first failure. Default: 3.
	MaxRetries int

	// BackoffBase is the delay before the first retry. Default: 1 second.
	BackoffBase time.Duration

	// BackoffMultiplier scales the delay between attempts. Default: 2.0.
	BackoffMultiplier float64
}

// BudgetConfig controls contract thresholds and monitoring cadence.
type BudgetConfig struct {
	// WarningFraction of the total budget at which warnings start.
	// Default: 0.80.
	WarningFraction float64

	// HardStopFraction of the total budget at which the contract breaches.
	// Default: 0.95.
	HardStopFraction float64

	// TimeCheckInterval is the cadence of periodic time-budget checks on an
	// active contract. Default: 10 seconds.
	TimeCheckInterval time.Duration

	// ErrorThreshold is the error count that pauses execution.
	// Default: 10.
	ErrorThreshold int
}

// BusConfig controls message bus retention and request behavior.
type BusConfig struct {
	// HistoryWindow bounds how many messages are retained. Default: 1000.
	HistoryWindow int

	// RequestTimeout is the default wait for request/response exchanges.
	// Default: 30 seconds.
	RequestTimeout time.Duration
}

// PricingConfig converts token usage into approximate USD cost.
// Keys are "provider/model"; unknown models fall back to the default rate.
type PricingConfig struct {
	USDPerMillionTokens        map[string]float64
	DefaultUSDPerMillionTokens float64
}

// CostFor returns the approximate USD cost of the given token count for a
// provider/model pair.
func (p PricingConfig) CostFor(provider, model string, tokens int) float64 {
	rate := p.DefaultUSDPerMillionTokens
	if r, ok := p.USDPerMillionTokens[provider+"/"+model]; ok {
		rate = r
	}
	return float64(tokens) / 1_000_000 * rate
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Authority:             types.AuthoritySupervised,
		SupportedPlanVersions: ">=1.0.0 <2.0.0",
		Timeouts: TimeoutConfig{
			Checkpoint:       30 * time.Minute,
			Clarification:    30 * time.Minute,
			PauseAndAsk:      60 * time.Minute,
			ModelCall:        3 * time.Minute,
			PauseWaitCeiling: time.Hour,
			PodIdleTTL:       30 * time.Minute,
		},
		ToolLoop: ToolLoopConfig{
			MaxIterations:   10,
			ResultCharLimit: 10000,
			CacheTTL:        5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			BackoffBase:       time.Second,
			BackoffMultiplier: 2.0,
		},
		Budget: BudgetConfig{
			WarningFraction:   types.WarningFraction,
			HardStopFraction:  types.HardStopFraction,
			TimeCheckInterval: 10 * time.Second,
			ErrorThreshold:    10,
		},
		Bus: BusConfig{
			HistoryWindow:  1000,
			RequestTimeout: 30 * time.Second,
		},
		RoleKeywords: map[string][]string{
			"architect": {"design", "architecture", "schema", "structure", "plan"},
			"frontend":  {"ui", "page", "component", "css", "html", "layout", "style"},
			"backend":   {"api", "server", "endpoint", "database", "service", "handler"},
			"research":  {"research", "investigate", "analyze", "compare", "evaluate"},
			"content":   {"write", "copy", "text", "draft", "document", "describe"},
			"qa":        {"test", "verify", "validate", "check", "review"},
		},
		Pricing: PricingConfig{
			DefaultUSDPerMillionTokens: 3.0,
			USDPerMillionTokens:        map[string]float64{},
		},
	}
}

// Validate rejects negative values and fills zero values with defaults.
// A nil receiver is replaced wholesale by DefaultConfig.
func Validate(cfg *Config) (*Config, error) {
	if cfg == nil {
		return DefaultConfig(), nil
	}

	if cfg.MaxConcurrentPods < 0 {
		return nil, fmt.Errorf("config: MaxConcurrentPods must be non-negative, got %d", cfg.MaxConcurrentPods)
	}
	if cfg.ToolLoop.MaxIterations < 0 {
		return nil, fmt.Errorf("config: ToolLoop.MaxIterations must be non-negative, got %d", cfg.ToolLoop.MaxIterations)
	}
	if cfg.ToolLoop.ResultCharLimit < 0 {
		return nil, fmt.Errorf("config: ToolLoop.ResultCharLimit must be non-negative, got %d", cfg.ToolLoop.ResultCharLimit)
	}
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("config: Retry.MaxRetries must be non-negative, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Budget.ErrorThreshold < 0 {
		return nil, fmt.Errorf("config: Budget.ErrorThreshold must be non-negative, got %d", cfg.Budget.ErrorThreshold)
	}
	if cfg.Bus.HistoryWindow < 0 {
		return nil, fmt.Errorf("config: Bus.HistoryWindow must be non-negative, got %d", cfg.Bus.HistoryWindow)
	}
	if cfg.Budget.WarningFraction < 0 || cfg.Budget.WarningFraction > 1 {
		return nil, fmt.Errorf("config: Budget.WarningFraction must be in [0,1], got %v", cfg.Budget.WarningFraction)
	}
	if cfg.Budget.HardStopFraction < 0 || cfg.Budget.HardStopFraction > 1 {
		return nil, fmt.Errorf("config: Budget.HardStopFraction must be in [0,1], got %v", cfg.Budget.HardStopFraction)
	}

	defaults := DefaultConfig()
	if cfg.Authority == "" {
		cfg.Authority = defaults.Authority
	}
	if cfg.SupportedPlanVersions == "" {
		cfg.SupportedPlanVersions = defaults.SupportedPlanVersions
	}
	if cfg.Timeouts.Checkpoint == 0 {
		cfg.Timeouts.Checkpoint = defaults.Timeouts.Checkpoint
	}
	if cfg.Timeouts.Clarification == 0 {
		cfg.Timeouts.Clarification = defaults.Timeouts.Clarification
	}
	if cfg.Timeouts.PauseAndAsk == 0 {
		cfg.Timeouts.PauseAndAsk = defaults.Timeouts.PauseAndAsk
	}
	if cfg.Timeouts.ModelCall == 0 {
		cfg.Timeouts.ModelCall = defaults.Timeouts.ModelCall
	}
	if cfg.Timeouts.PauseWaitCeiling == 0 {
		cfg.Timeouts.PauseWaitCeiling = defaults.Timeouts.PauseWaitCeiling
	}
	if cfg.Timeouts.PodIdleTTL == 0 {
		cfg.Timeouts.PodIdleTTL = defaults.Timeouts.PodIdleTTL
	}
	if cfg.ToolLoop.MaxIterations == 0 {
		cfg.ToolLoop.MaxIterations = defaults.ToolLoop.MaxIterations
	}
	if cfg.ToolLoop.ResultCharLimit == 0 {
		cfg.ToolLoop.ResultCharLimit = defaults.ToolLoop.ResultCharLimit
	}
	if cfg.ToolLoop.CacheTTL == 0 {
		cfg.ToolLoop.CacheTTL = defaults.ToolLoop.CacheTTL
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = defaults.Retry.MaxRetries
	}
	if cfg.Retry.BackoffBase == 0 {
		cfg.Retry.BackoffBase = defaults.Retry.BackoffBase
	}
	if cfg.Retry.BackoffMultiplier == 0 {
		cfg.Retry.BackoffMultiplier = defaults.Retry.BackoffMultiplier
	}
	if cfg.Budget.WarningFraction == 0 {
		cfg.Budget.WarningFraction = defaults.Budget.WarningFraction
	}
	if cfg.Budget.HardStopFraction == 0 {
		cfg.Budget.HardStopFraction = defaults.Budget.HardStopFraction
	}
	if cfg.Budget.TimeCheckInterval == 0 {
		cfg.Budget.TimeCheckInterval = defaults.Budget.TimeCheckInterval
	}
	if cfg.Budget.ErrorThreshold == 0 {
		cfg.Budget.ErrorThreshold = defaults.Budget.ErrorThreshold
	}
	if cfg.Bus.HistoryWindow == 0 {
		cfg.Bus.HistoryWindow = defaults.Bus.HistoryWindow
	}
	if cfg.Bus.RequestTimeout == 0 {
		cfg.Bus.RequestTimeout = defaults.Bus.RequestTimeout
	}
	if cfg.RoleKeywords == nil {
		cfg.RoleKeywords = defaults.RoleKeywords
	}
	if cfg.Pricing.DefaultUSDPerMillionTokens == 0 {
		cfg.Pricing.DefaultUSDPerMillionTokens = defaults.Pricing.DefaultUSDPerMillionTokens
	}
	if cfg.Pricing.USDPerMillionTokens == nil {
		cfg.Pricing.USDPerMillionTokens = map[string]float64{}
	}

	return cfg, nil
}

// Load reads a YAML configuration file and merges it over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes and merges them over the defaults.
func Parse(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return Validate(fc.toConfig())
}
