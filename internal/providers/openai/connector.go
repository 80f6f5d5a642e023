// Package openai implements router.ModelConnector for OpenAI and any server
// speaking the OpenAI chat completions API (vLLM, LiteLLM, llama.cpp).
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jordanhubbard/modelrouter/internal/providers"
	"github.com/jordanhubbard/modelrouter/internal/router"
)

const chatPath = "/v1/chat/completions"

// Connector sends chat completions to one or more OpenAI-compatible
// endpoints, rotating across them per call.
type Connector struct {
	model     string
	apiKey    string
	endpoints []string
	counter   atomic.Uint64
	client    *http.Client
}

var _ router.ModelConnector = (*Connector)(nil)

// Option configures a Connector.
type Option func(*Connector)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Connector) { c.apiKey = key }
}

// WithUpstreamModel overrides the model name sent upstream. By default the
// router's model id is used.
func WithUpstreamModel(name string) Option {
	return func(c *Connector) { c.model = name }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) { c.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client, e.g. with a traced one.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connector) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithEndpoints adds additional base URLs for round-robin balancing.
func WithEndpoints(endpoints ...string) Option {
	return func(c *Connector) {
		for _, e := range endpoints {
			c.endpoints = append(c.endpoints, strings.TrimRight(e, "/"))
		}
	}
}

// New creates a connector for baseURL. A zero timeout defaults to 30s.
func New(baseURL string, opts ...Option) *Connector {
	c := &Connector{
		endpoints: []string{strings.TrimRight(baseURL, "/")},
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HealthEndpoint returns the model list URL of the first endpoint for probing.
func (c *Connector) HealthEndpoint() string {
	return c.endpoints[0] + "/v1/models"
}

func (c *Connector) nextEndpoint() string {
	idx := c.counter.Add(1) - 1
	return c.endpoints[idx%uint64(len(c.endpoints))]
}

func (c *Connector) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// payload renders req in the OpenAI wire shape. Params are merged last but
// never override the fields the router owns.
func (c *Connector) payload(req router.ChatCompletionRequest, stream bool) map[string]any {
	model := req.Model
	if c.model != "" {
		model = c.model
	}
	p := map[string]any{
		"model":    model,
		"messages": req.Messages,
	}
	if req.Temperature != nil {
		p["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		p["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		p["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		p["tools"] = req.Tools
	}
	if len(req.Functions) > 0 {
		p["functions"] = req.Functions
	}
	if stream {
		p["stream"] = true
	}
	for k, v := range req.Params {
		if _, owned := p[k]; !owned && k != "stream" {
			p[k] = v
		}
	}
	return p
}

func (c *Connector) Generate(ctx context.Context, req router.ChatCompletionRequest) (router.ChatCompletionResponse, error) {
	body, err := providers.DoRequest(ctx, c.client, c.nextEndpoint()+chatPath, c.payload(req, false), c.headers())
	if err != nil {
		return router.ChatCompletionResponse{}, providers.Classify(err)
	}

	var resp router.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return router.ChatCompletionResponse{}, providers.Classify(fmt.Errorf("decode chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return router.ChatCompletionResponse{}, &router.ConnectorError{
			Category: router.CategoryParsing,
			Msg:      "response has no choices",
		}
	}
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	return resp, nil
}

// GenerateStreaming returns the raw SSE body. The caller closes it.
func (c *Connector) GenerateStreaming(ctx context.Context, req router.ChatCompletionRequest) (io.ReadCloser, error) {
	rc, err := providers.DoStreamRequest(ctx, c.client, c.nextEndpoint()+chatPath, c.payload(req, true), c.headers())
	if err != nil {
		return nil, providers.Classify(err)
	}
	return rc, nil
}
