package router

import (
	"time"

	"github.com/jordanhubbard/modelrouter/internal/circuitbreaker"
)

// CircuitBreakerConfig configures the per-label breakers of the executor.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

func (c CircuitBreakerConfig) options() []circuitbreaker.Option {
	return []circuitbreaker.Option{
		circuitbreaker.WithEnabled(c.Enabled),
		circuitbreaker.WithThreshold(c.FailureThreshold),
		circuitbreaker.WithSuccessThreshold(c.SuccessThreshold),
		circuitbreaker.WithCooldown(c.ResetTimeout),
	}
}

// Config is the router's full configuration.
type Config struct {
	Strategy            StrategyKind         `yaml:"strategy" json:"strategy"`
	StrategyConfig      StrategyConfig       `yaml:"strategy_config" json:"strategy_config"`
	RoundRobin          RoundRobinConfig     `yaml:"round_robin" json:"round_robin"`
	Priority            PriorityConfig       `yaml:"priority" json:"priority"`
	ContentBased        ContentBasedConfig   `yaml:"content_based" json:"content_based"`
	FallbackStrategies  []StrategyKind       `yaml:"fallback_strategies" json:"fallback_strategies"`
	GlobalTimeout       time.Duration        `yaml:"global_timeout" json:"global_timeout"`
	CacheDecisions      bool                 `yaml:"cache_routing_decisions" json:"cache_routing_decisions"`
	MaxCacheSize        int                  `yaml:"max_cache_size" json:"max_cache_size"`
	CollectMetrics      bool                 `yaml:"collect_metrics" json:"collect_metrics"`
	Retry               RetryPolicy          `yaml:"retry_policy" json:"retry_policy"`
	CircuitBreaker      CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Degraded            DegradedMode         `yaml:"degraded_mode" json:"degraded_mode"`
	RetryableCategories []ErrorCategory      `yaml:"retryable_errors" json:"retryable_errors"`
}

// DefaultConfig returns content-based routing with a round-robin fallback,
// caching and metrics on, exponential retry and fail-fast degradation.
func DefaultConfig() Config {
	return Config{
		Strategy:            StrategyContentBased,
		StrategyConfig:      DefaultStrategyConfig(),
		RoundRobin:          RoundRobinConfig{DefaultWeight: 1},
		ContentBased:        ContentBasedConfig{MaxAnalysisLength: 1000},
		FallbackStrategies:  []StrategyKind{StrategyRoundRobin},
		GlobalTimeout:       30 * time.Second,
		CacheDecisions:      true,
		MaxCacheSize:        defaultCacheSize,
		CollectMetrics:      true,
		Retry:               DefaultRetryPolicy(),
		CircuitBreaker:      DefaultCircuitBreakerConfig(),
		Degraded:            FailFast(),
		RetryableCategories: DefaultRetryableCategories(),
	}
}

// Validate checks the configuration without building strategies.
func (c Config) Validate() error {
	if c.Strategy == StrategyCustom {
		return StrategyConfigError("custom strategies must be registered programmatically")
	}
	if _, err := ParseStrategyKind(string(c.Strategy)); err != nil {
		return err
	}
	for _, k := range c.FallbackStrategies {
		if _, err := ParseStrategyKind(string(k)); err != nil {
			return err
		}
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Degraded.Validate(); err != nil {
		return err
	}
	if c.MaxCacheSize < 0 {
		return StrategyConfigError("max cache size must not be negative")
	}
	return nil
}

func (c Config) strategyOptions() StrategyOptions {
	return StrategyOptions{
		RoundRobin:   c.RoundRobin,
		Priority:     c.Priority,
		ContentBased: c.ContentBased,
	}
}
