package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// StrategyKind names a routing strategy.
type StrategyKind string

const (
	StrategyRoundRobin       StrategyKind = "round_robin"
	StrategyPriority         StrategyKind = "priority"
	StrategyContentBased     StrategyKind = "content_based"
	StrategyLoadBalanced     StrategyKind = "load_balanced"
	StrategyCostOptimized    StrategyKind = "cost_optimized"
	StrategyLatencyOptimized StrategyKind = "latency_optimized"
	StrategyCustom           StrategyKind = "custom"
)

// ParseStrategyKind maps a case-insensitive name (with either dashes or
// underscores) to a StrategyKind.
func ParseStrategyKind(s string) (StrategyKind, error) {
	k := StrategyKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch k {
	case StrategyRoundRobin, StrategyPriority, StrategyContentBased,
		StrategyLoadBalanced, StrategyCostOptimized, StrategyLatencyOptimized, StrategyCustom:
		return k, nil
	}
	return "", StrategyConfigError("unknown strategy %q", s)
}

// Strategy selects one model for a request.
type Strategy interface {
	Name() string
	Kind() StrategyKind
	SelectModel(ctx context.Context, req RoutingRequest, reg ModelRegistry) (ModelMetadata, error)
	HandleFailure(ctx context.Context, req RoutingRequest, failedModelID string, cause error, reg ModelRegistry) (ModelMetadata, error)
	DescribeDecision(model ModelMetadata, start time.Time, attempts int, isFallback bool) RoutingMetadata
}

// maxLatencyMs is the average latency above which models are skipped unless
// IncludeHighLatencyModels is set.
const maxLatencyMs = 1000.0

// tokenBuffer is added to every token estimate to leave room for the reply.
const tokenBuffer = 100

// StrategyConfig holds the settings shared by every strategy.
type StrategyConfig struct {
	IncludeLimitedModels     bool            `yaml:"include_limited_models" json:"include_limited_models"`
	IncludeHighLatencyModels bool            `yaml:"include_high_latency_models" json:"include_high_latency_models"`
	Fallback                 *StrategyConfig `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	MaxFallbackAttempts      int             `yaml:"max_fallback_attempts" json:"max_fallback_attempts"`
	Timeout                  time.Duration   `yaml:"timeout" json:"timeout"`
}

// DefaultStrategyConfig mirrors the defaults used when nothing is configured.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		MaxFallbackAttempts: 3,
		Timeout:             30 * time.Second,
	}
}

// BaseStrategy implements the suitability filter shared by every concrete
// strategy. Used on its own it selects the first suitable model.
type BaseStrategy struct {
	name   string
	kind   StrategyKind
	cfg    StrategyConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewBaseStrategy returns a BaseStrategy with the given identity.
func NewBaseStrategy(name string, kind StrategyKind, cfg StrategyConfig) *BaseStrategy {
	return &BaseStrategy{name: name, kind: kind, cfg: cfg, logger: slog.Default(), now: time.Now}
}

func (b *BaseStrategy) Name() string { return b.name }

func (b *BaseStrategy) Kind() StrategyKind { return b.kind }

func (b *BaseStrategy) Config() StrategyConfig { return b.cfg }

// EstimateTokens approximates the prompt size: a quarter of the byte length
// of every message, function call and tool call, plus a fixed buffer.
func EstimateTokens(req ChatCompletionRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content) / 4
		if m.FunctionCall != nil {
			total += len(m.FunctionCall.Name) / 4
			total += len(m.FunctionCall.Arguments) / 4
		}
		for _, tc := range m.ToolCalls {
			total += len(tc.Function.Name) / 4
			total += len(tc.Function.Arguments) / 4
		}
	}
	return total + tokenBuffer
}

type criterion struct {
	name string
	keep func(ModelMetadata) bool
}

// Filter resolves the eligible models for req and applies the suitability
// criteria in order. When a criterion empties the set the returned error
// names it. A surviving preferred model is moved to the front.
func (b *BaseStrategy) Filter(req RoutingRequest, reg ModelRegistry) ([]ModelMetadata, error) {
	models, err := EligibleModels(reg, req)
	if err != nil {
		return nil, err
	}

	chat := req.Context.Request
	tokens := EstimateTokens(chat)
	criteria := []criterion{
		{"availability", func(m ModelMetadata) bool { return m.IsAvailable() }},
	}
	if chat.Stream {
		criteria = append(criteria, criterion{"streaming support", func(m ModelMetadata) bool {
			return m.Capabilities.SupportsStreaming
		}})
	}
	if len(chat.Functions) > 0 || len(chat.Tools) > 0 {
		criteria = append(criteria, criterion{"function calling support", func(m ModelMetadata) bool {
			return m.Capabilities.SupportsFunctionCalling
		}})
	}
	criteria = append(criteria, criterion{
		fmt.Sprintf("context length (estimated %d tokens)", tokens),
		func(m ModelMetadata) bool { return tokens <= m.Capabilities.MaxContextLength },
	})
	if !b.cfg.IncludeLimitedModels {
		criteria = append(criteria, criterion{"status (limited models excluded)", func(m ModelMetadata) bool {
			return m.Status != StatusLimited
		}})
	}
	if !b.cfg.IncludeHighLatencyModels {
		criteria = append(criteria, criterion{fmt.Sprintf("latency (average above %.0fms)", maxLatencyMs), func(m ModelMetadata) bool {
			lat := m.Capabilities.Performance.AvgLatencyMs
			return lat == nil || *lat <= maxLatencyMs
		}})
	}

	for _, c := range criteria {
		kept := models[:0:0]
		for _, m := range models {
			if c.keep(m) {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			return nil, NoSuitableModelError("no models remain after filtering on %s", c.name)
		}
		models = kept
	}

	if id := req.PreferredModelID; id != "" {
		for i, m := range models {
			if m.ID == id && i > 0 {
				reordered := make([]ModelMetadata, 0, len(models))
				reordered = append(reordered, m)
				reordered = append(reordered, models[:i]...)
				reordered = append(reordered, models[i+1:]...)
				models = reordered
				break
			}
		}
	}
	return models, nil
}

// SelectModel returns the first suitable model.
func (b *BaseStrategy) SelectModel(_ context.Context, req RoutingRequest, reg ModelRegistry) (ModelMetadata, error) {
	models, err := b.Filter(req, reg)
	if err != nil {
		return ModelMetadata{}, err
	}
	b.logger.Debug("selected model", slog.String("strategy", b.name), slog.String("model", models[0].ID))
	return models[0], nil
}

// HandleFailure re-selects under the configured fallback with the failed
// model excluded. Without a fallback it reports NoSuitableModel carrying the
// original error.
func (b *BaseStrategy) HandleFailure(ctx context.Context, req RoutingRequest, failedModelID string, cause error, reg ModelRegistry) (ModelMetadata, error) {
	b.logger.Warn("handling model failure",
		slog.String("strategy", b.name),
		slog.String("model", failedModelID),
		slog.String("error", errString(cause)),
	)

	if b.cfg.Fallback == nil {
		return ModelMetadata{}, &RouterError{
			Kind: KindNoSuitableModel,
			Msg:  fmt.Sprintf("no fallback available for failed model %s: %s", failedModelID, errString(cause)),
			Err:  cause,
		}
	}

	fb := NewBaseStrategy("fallback", b.kind, *b.cfg.Fallback)
	fb.logger = b.logger
	m, err := fb.SelectModel(ctx, req.WithExcludedModel(failedModelID), reg)
	if err != nil {
		return ModelMetadata{}, &RouterError{
			Kind: KindFallback,
			Msg:  fmt.Sprintf("original error: %s; fallback error: %s", errString(cause), err),
			Err:  cause,
		}
	}
	b.logger.Info("fallback selected model", slog.String("strategy", b.name), slog.String("model", m.ID))
	return m, nil
}

// DescribeDecision builds the routing metadata for a selection.
func (b *BaseStrategy) DescribeDecision(model ModelMetadata, start time.Time, attempts int, isFallback bool) RoutingMetadata {
	end := b.now()
	return RoutingMetadata{
		SelectedModelID:  model.ID,
		StrategyName:     b.name,
		StartTime:        start,
		EndTime:          end,
		ElapsedMs:        end.Sub(start).Milliseconds(),
		ModelsConsidered: 1,
		Attempts:         attempts,
		IsFallback:       isFallback,
		Extra:            map[string]string{"strategy_type": string(b.kind)},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// StrategyOptions carries the per-strategy settings used by NewStrategy.
type StrategyOptions struct {
	RoundRobin   RoundRobinConfig
	Priority     PriorityConfig
	ContentBased ContentBasedConfig
	Logger       *slog.Logger
}

// NewStrategy builds the strategy for kind. Custom strategies cannot be built
// from configuration.
func NewStrategy(kind StrategyKind, cfg StrategyConfig, opts StrategyOptions) (Strategy, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var s Strategy
	switch kind {
	case StrategyRoundRobin:
		c := opts.RoundRobin
		c.StrategyConfig = cfg
		s = NewRoundRobinStrategy(c)
	case StrategyPriority:
		c := opts.Priority
		c.StrategyConfig = cfg
		s = NewPriorityStrategy(c)
	case StrategyContentBased:
		c := opts.ContentBased
		c.StrategyConfig = cfg
		s = NewContentBasedStrategy(c)
	case StrategyLoadBalanced, StrategyCostOptimized, StrategyLatencyOptimized:
		s = NewBaseStrategy(string(kind), kind, cfg)
	case StrategyCustom:
		return nil, StrategyConfigError("custom strategies must be registered programmatically")
	default:
		return nil, StrategyConfigError("unknown strategy %q", kind)
	}
	if ls, ok := s.(interface{ setLogger(*slog.Logger) }); ok {
		ls.setLogger(logger)
	}
	return s, nil
}

func (b *BaseStrategy) setLogger(l *slog.Logger) { b.logger = l }
