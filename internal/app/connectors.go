package app

import (
	"fmt"
	"time"

	"github.com/jordanhubbard/modelrouter/internal/providers/ollama"
	"github.com/jordanhubbard/modelrouter/internal/providers/openai"
	"github.com/jordanhubbard/modelrouter/internal/router"
	"github.com/jordanhubbard/modelrouter/internal/tracing"
)

// Provider names understood by the connector factory.
const (
	ProviderOpenAI = "openai"
	ProviderVLLM   = "vllm"
	ProviderOllama = "ollama"
)

// connectorFactory builds per-model connectors from the configured backends.
type connectorFactory struct {
	cfg     Config
	timeout time.Duration
}

func newConnectorFactory(cfg Config) *connectorFactory {
	return &connectorFactory{cfg: cfg, timeout: time.Duration(cfg.ProviderTimeoutSecs) * time.Second}
}

// Connect returns a connector for m. A model's own endpoint wins over the
// provider-wide backend. It returns a nil connector when the provider is
// known but has no backend configured.
func (f *connectorFactory) Connect(m router.ModelMetadata) (router.ModelConnector, error) {
	upstream := m.Metadata[metaUpstreamModel]
	client := tracing.NewHTTPClient(f.timeout)

	switch m.Provider {
	case ProviderOpenAI:
		base := m.Endpoint
		if base == "" {
			if f.cfg.OpenAIAPIKey == "" {
				return nil, nil
			}
			base = f.cfg.OpenAIBaseURL
		}
		return openai.New(base,
			openai.WithAPIKey(f.cfg.OpenAIAPIKey),
			openai.WithUpstreamModel(upstream),
			openai.WithHTTPClient(client),
		), nil

	case ProviderVLLM:
		endpoints := f.cfg.VLLMEndpoints
		if m.Endpoint != "" {
			endpoints = []string{m.Endpoint}
		}
		if len(endpoints) == 0 {
			return nil, nil
		}
		return openai.New(endpoints[0],
			openai.WithEndpoints(endpoints[1:]...),
			openai.WithUpstreamModel(upstream),
			openai.WithHTTPClient(client),
		), nil

	case ProviderOllama:
		base := m.Endpoint
		if base == "" {
			base = f.cfg.OllamaURL
		}
		if base == "" {
			return nil, nil
		}
		return ollama.New(base,
			ollama.WithUpstreamModel(upstream),
			ollama.WithHTTPClient(client),
		), nil
	}
	return nil, fmt.Errorf("unsupported provider %q", m.Provider)
}
