package router

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strconv"
	"time"
)

// PriorityConfig configures PriorityStrategy. Higher priorities win.
type PriorityConfig struct {
	StrategyConfig `yaml:"-" json:"-"`

	ModelPriorities    map[string]int `yaml:"model_priorities" json:"model_priorities,omitempty"`
	ProviderPriorities map[string]int `yaml:"provider_priorities" json:"provider_priorities,omitempty"`
	TypePriorities     map[string]int `yaml:"type_priorities" json:"type_priorities,omitempty"`
	DefaultPriority    int            `yaml:"default_priority" json:"default_priority"`
}

// PriorityStrategy picks the suitable model with the highest priority,
// keeping filter order among equals.
type PriorityStrategy struct {
	*BaseStrategy
	cfg PriorityConfig
}

func NewPriorityStrategy(cfg PriorityConfig) *PriorityStrategy {
	return &PriorityStrategy{
		BaseStrategy: NewBaseStrategy(string(StrategyPriority), StrategyPriority, cfg.StrategyConfig),
		cfg:          cfg,
	}
}

// Priority resolves m's priority: per-model, per-provider, per-type, then
// default.
func (s *PriorityStrategy) Priority(m ModelMetadata) int {
	if p, ok := s.cfg.ModelPriorities[m.ID]; ok {
		return p
	}
	if p, ok := s.cfg.ProviderPriorities[m.Provider]; ok {
		return p
	}
	if p, ok := s.cfg.TypePriorities[string(m.Type)]; ok {
		return p
	}
	return s.cfg.DefaultPriority
}

// Rank returns the suitable models ordered by descending priority.
func (s *PriorityStrategy) Rank(req RoutingRequest, reg ModelRegistry) ([]ModelMetadata, error) {
	models, err := s.Filter(req, reg)
	if err != nil {
		return nil, err
	}
	ranked := slices.Clone(models)
	slices.SortStableFunc(ranked, func(a, b ModelMetadata) int {
		return cmp.Compare(s.Priority(b), s.Priority(a))
	})
	return ranked, nil
}

func (s *PriorityStrategy) SelectModel(_ context.Context, req RoutingRequest, reg ModelRegistry) (ModelMetadata, error) {
	ranked, err := s.Rank(req, reg)
	if err != nil {
		return ModelMetadata{}, err
	}
	m := ranked[0]
	s.logger.Info("selected model",
		slog.String("strategy", s.Name()),
		slog.String("model", m.ID),
		slog.Int("priority", s.Priority(m)),
	)
	return m, nil
}

func (s *PriorityStrategy) DescribeDecision(model ModelMetadata, start time.Time, attempts int, isFallback bool) RoutingMetadata {
	md := s.BaseStrategy.DescribeDecision(model, start, attempts, isFallback)
	md.SelectionCriteria = "priority"
	md.Extra["model_priority"] = strconv.Itoa(s.Priority(model))
	return md
}
