package router

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"
)

// RoundRobinConfig configures RoundRobinStrategy. When Weighted is set each
// model appears in the rotation as many times as its weight.
type RoundRobinConfig struct {
	StrategyConfig `yaml:"-" json:"-"`

	Weighted        bool           `yaml:"weighted" json:"weighted"`
	ModelWeights    map[string]int `yaml:"model_weights" json:"model_weights,omitempty"`
	ProviderWeights map[string]int `yaml:"provider_weights" json:"provider_weights,omitempty"`
	DefaultWeight   int            `yaml:"default_weight" json:"default_weight"`
}

// RoundRobinStrategy rotates through the suitable models with a shared
// atomic cursor.
type RoundRobinStrategy struct {
	*BaseStrategy
	cfg    RoundRobinConfig
	cursor atomic.Uint64
}

func NewRoundRobinStrategy(cfg RoundRobinConfig) *RoundRobinStrategy {
	if cfg.DefaultWeight <= 0 {
		cfg.DefaultWeight = 1
	}
	return &RoundRobinStrategy{
		BaseStrategy: NewBaseStrategy(string(StrategyRoundRobin), StrategyRoundRobin, cfg.StrategyConfig),
		cfg:          cfg,
	}
}

// Weight resolves m's weight: per-model, then per-provider, then default.
func (s *RoundRobinStrategy) Weight(m ModelMetadata) int {
	if w, ok := s.cfg.ModelWeights[m.ID]; ok {
		return w
	}
	if w, ok := s.cfg.ProviderWeights[m.Provider]; ok {
		return w
	}
	return s.cfg.DefaultWeight
}

func (s *RoundRobinStrategy) pool(models []ModelMetadata) []ModelMetadata {
	if !s.cfg.Weighted {
		return models
	}
	var out []ModelMetadata
	for _, m := range models {
		for i := 0; i < s.Weight(m); i++ {
			out = append(out, m)
		}
	}
	return out
}

func (s *RoundRobinStrategy) SelectModel(_ context.Context, req RoutingRequest, reg ModelRegistry) (ModelMetadata, error) {
	models, err := s.Filter(req, reg)
	if err != nil {
		return ModelMetadata{}, err
	}
	pool := s.pool(models)
	if len(pool) == 0 {
		return ModelMetadata{}, NoSuitableModelError("no models remain after applying weights")
	}
	idx := (s.cursor.Add(1) - 1) % uint64(len(pool))
	m := pool[idx]
	s.logger.Info("selected model",
		slog.String("strategy", s.Name()),
		slog.String("model", m.ID),
		slog.Uint64("index", idx),
		slog.Int("pool_size", len(pool)),
	)
	return m, nil
}

func (s *RoundRobinStrategy) DescribeDecision(model ModelMetadata, start time.Time, attempts int, isFallback bool) RoutingMetadata {
	md := s.BaseStrategy.DescribeDecision(model, start, attempts, isFallback)
	md.SelectionCriteria = "round_robin"
	md.Extra["current_index"] = strconv.FormatUint(s.cursor.Load(), 10)
	if s.cfg.Weighted {
		md.Extra["weighted"] = "true"
		md.Extra["model_weight"] = strconv.Itoa(s.Weight(model))
	}
	return md
}
