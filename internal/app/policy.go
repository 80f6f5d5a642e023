package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/modelrouter/internal/health"
	"github.com/jordanhubbard/modelrouter/internal/router"
)

// Policy is the routing policy file: router configuration, health thresholds
// and the models to seed into the registry at startup.
type Policy struct {
	Router router.Config        `yaml:"router"`
	Health health.TrackerConfig `yaml:"health"`
	Prober health.ProberConfig  `yaml:"prober"`
	Models []SeedModel          `yaml:"models"`
}

// SeedModel is one model entry of the policy file.
type SeedModel struct {
	ID                      string            `yaml:"id"`
	Name                    string            `yaml:"name"`
	Provider                string            `yaml:"provider"`
	Version                 string            `yaml:"version"`
	Type                    string            `yaml:"type"`
	Status                  string            `yaml:"status"`
	Endpoint                string            `yaml:"endpoint"`
	UpstreamModel           string            `yaml:"upstream_model"`
	MaxContextLength        int               `yaml:"max_context_length"`
	SupportsStreaming       bool              `yaml:"supports_streaming"`
	SupportsFunctionCalling bool              `yaml:"supports_function_calling"`
	AvgLatencyMs            *float64          `yaml:"avg_latency_ms"`
	TokensPerSecond         *float64          `yaml:"tokens_per_second"`
	Capabilities            map[string]string `yaml:"capabilities"`
	Metadata                map[string]string `yaml:"metadata"`
}

// metaUpstreamModel is the metadata key carrying the provider-side model name.
const metaUpstreamModel = "upstream_model"

// ModelMetadata converts the entry into registry metadata.
func (s SeedModel) ModelMetadata() router.ModelMetadata {
	m := router.ModelMetadata{
		ID:       s.ID,
		Name:     s.Name,
		Provider: s.Provider,
		Version:  s.Version,
		Type:     router.ModelType(s.Type),
		Endpoint: s.Endpoint,
		Capabilities: router.Capabilities{
			MaxContextLength:        s.MaxContextLength,
			SupportsStreaming:       s.SupportsStreaming,
			SupportsFunctionCalling: s.SupportsFunctionCalling,
			Performance: router.Performance{
				AvgLatencyMs:    s.AvgLatencyMs,
				TokensPerSecond: s.TokensPerSecond,
			},
		},
	}
	if m.Name == "" {
		m.Name = s.ID
	}
	if s.Status != "" {
		m.Status = router.ParseModelStatus(s.Status)
	}
	if len(s.Capabilities) > 0 {
		m.Capabilities.Additional = make(map[string]string, len(s.Capabilities))
		for k, v := range s.Capabilities {
			m.Capabilities.Additional[k] = v
		}
	}
	if len(s.Metadata) > 0 || s.UpstreamModel != "" {
		m.Metadata = make(map[string]string, len(s.Metadata)+1)
		for k, v := range s.Metadata {
			m.Metadata[k] = v
		}
		if s.UpstreamModel != "" {
			m.Metadata[metaUpstreamModel] = s.UpstreamModel
		}
	}
	return m
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		Router: router.DefaultConfig(),
		Health: health.DefaultConfig(),
		Prober: health.DefaultProberConfig(),
	}
}

// LoadPolicy reads a YAML policy file over the defaults. An empty path
// returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the router configuration and the seed models.
func (p Policy) Validate() error {
	if err := p.Router.Validate(); err != nil {
		return err
	}
	if p.Prober.Interval <= 0 || p.Prober.ProbeTimeout <= 0 {
		return fmt.Errorf("prober interval and timeout must be positive")
	}
	if p.Health.ConsecErrorsForDegraded <= 0 || p.Health.ConsecErrorsForDown < p.Health.ConsecErrorsForDegraded {
		return fmt.Errorf("health thresholds must satisfy 0 < consec_errors_for_degraded <= consec_errors_for_down")
	}
	seen := make(map[string]bool, len(p.Models))
	for i, m := range p.Models {
		if m.ID == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
		if m.Provider == "" {
			return fmt.Errorf("model %s: provider is required", m.ID)
		}
		if seen[m.ID] {
			return fmt.Errorf("model %s: duplicate id", m.ID)
		}
		seen[m.ID] = true
		if m.Status != "" && router.ParseModelStatus(m.Status) == router.StatusUnknown {
			return fmt.Errorf("model %s: unknown status %q", m.ID, m.Status)
		}
	}
	return nil
}
