package router

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// ContentCategory is the dominant subject of a request's text.
type ContentCategory string

const (
	ContentTechnical ContentCategory = "technical"
	ContentCreative  ContentCategory = "creative"
	ContentCode      ContentCategory = "code"
	ContentGeneral   ContentCategory = "general"
)

var (
	technicalKeywords = []string{
		"quantum", "algorithm", "physics", "mathematics", "theory",
		"engineering", "scientific", "analysis", "research", "technical",
	}
	creativeKeywords = []string{
		"poem", "story", "creative", "imagine", "art",
		"write", "novel", "fiction", "poetry", "narrative",
	}
	codeKeywords = []string{
		"function", "code", "algorithm", "programming", "implementation",
		"class", "method", "variable", "rust", "python", "javascript",
	}

	// categoryTags lists the capability or metadata keys that mark a model as
	// suited to a category.
	categoryTags = map[ContentCategory][]string{
		ContentTechnical: {"technical", "scientific"},
		ContentCreative:  {"creative", "generative"},
		ContentCode:      {"code", "programming"},
	}
)

// ContentScores holds the keyword match ratio for each category.
type ContentScores struct {
	Technical float64
	Creative  float64
	Code      float64
}

// Category returns the strictly dominant category, or general on any tie.
func (c ContentScores) Category() ContentCategory {
	switch {
	case c.Technical > c.Creative && c.Technical > c.Code:
		return ContentTechnical
	case c.Creative > c.Technical && c.Creative > c.Code:
		return ContentCreative
	case c.Code > c.Technical && c.Code > c.Creative:
		return ContentCode
	default:
		return ContentGeneral
	}
}

// ContentBasedConfig configures ContentBasedStrategy. MaxAnalysisLength caps
// how many bytes of message text are scanned; zero scans everything.
type ContentBasedConfig struct {
	StrategyConfig `yaml:"-" json:"-"`

	MaxAnalysisLength int `yaml:"max_analysis_length" json:"max_analysis_length"`
}

// ContentBasedStrategy routes by keyword analysis of the message text.
type ContentBasedStrategy struct {
	*BaseStrategy
	cfg ContentBasedConfig
}

func NewContentBasedStrategy(cfg ContentBasedConfig) *ContentBasedStrategy {
	return &ContentBasedStrategy{
		BaseStrategy: NewBaseStrategy(string(StrategyContentBased), StrategyContentBased, cfg.StrategyConfig),
		cfg:          cfg,
	}
}

// Analyze scores the request's concatenated, lowercased message text.
func (s *ContentBasedStrategy) Analyze(req ChatCompletionRequest) ContentScores {
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}
	text := strings.ToLower(strings.Join(parts, " "))
	if n := s.cfg.MaxAnalysisLength; n > 0 && len(text) > n {
		text = text[:n]
	}
	return ContentScores{
		Technical: keywordScore(text, technicalKeywords),
		Creative:  keywordScore(text, creativeKeywords),
		Code:      keywordScore(text, codeKeywords),
	}
}

func keywordScore(text string, keywords []string) float64 {
	matches := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			matches++
		}
	}
	return float64(matches) / float64(len(keywords))
}

func matchesCategory(m ModelMetadata, c ContentCategory) bool {
	tags, ok := categoryTags[c]
	if !ok {
		return true
	}
	for _, t := range tags {
		if m.HasKey(t) {
			return true
		}
	}
	return false
}

func (s *ContentBasedStrategy) SelectModel(_ context.Context, req RoutingRequest, reg ModelRegistry) (ModelMetadata, error) {
	models, err := s.Filter(req, reg)
	if err != nil {
		return ModelMetadata{}, err
	}
	scores := s.Analyze(req.Context.Request)
	category := scores.Category()
	s.logger.Debug("content analysis",
		slog.Float64("technical", scores.Technical),
		slog.Float64("creative", scores.Creative),
		slog.Float64("code", scores.Code),
		slog.String("category", string(category)),
	)

	for _, m := range models {
		if matchesCategory(m, category) {
			s.logger.Info("selected model",
				slog.String("strategy", s.Name()),
				slog.String("model", m.ID),
				slog.String("category", string(category)),
			)
			return m, nil
		}
	}
	return models[0], nil
}

func (s *ContentBasedStrategy) DescribeDecision(model ModelMetadata, start time.Time, attempts int, isFallback bool) RoutingMetadata {
	md := s.BaseStrategy.DescribeDecision(model, start, attempts, isFallback)
	md.SelectionCriteria = "content_based"
	return md
}
