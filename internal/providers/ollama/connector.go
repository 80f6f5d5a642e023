// Package ollama implements router.ModelConnector for a local Ollama server.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/modelrouter/internal/providers"
	"github.com/jordanhubbard/modelrouter/internal/router"
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

// Connector talks to Ollama's /api/chat.
type Connector struct {
	baseURL string
	model   string
	client  *http.Client
	now     func() time.Time
}

var _ router.ModelConnector = (*Connector)(nil)

type Option func(*Connector)

// WithUpstreamModel sets the Ollama model tag, e.g. "llama3.1:8b". By default
// the router's model id is used.
func WithUpstreamModel(name string) Option {
	return func(c *Connector) { c.model = name }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connector) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithTimeout sets the HTTP client timeout. Local models can be slow to load,
// so the default is 120s.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) { c.client.Timeout = d }
}

func New(baseURL string, opts ...Option) *Connector {
	c := &Connector{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// HealthEndpoint returns the tag listing URL, which answers as soon as the
// server is up.
func (c *Connector) HealthEndpoint() string { return c.baseURL + "/api/tags" }

func (c *Connector) request(req router.ChatCompletionRequest, stream bool) chatRequest {
	model := req.Model
	if c.model != "" {
		model = c.model
	}
	msgs := make([]message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = message{Role: m.Role, Content: m.Content}
	}
	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		opts["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	for k, v := range req.Params {
		if _, set := opts[k]; !set {
			opts[k] = v
		}
	}
	if len(opts) == 0 {
		opts = nil
	}
	return chatRequest{Model: model, Messages: msgs, Stream: stream, Options: opts}
}

func (c *Connector) Generate(ctx context.Context, req router.ChatCompletionRequest) (router.ChatCompletionResponse, error) {
	body, err := providers.DoRequest(ctx, c.client, c.baseURL+"/api/chat", c.request(req, false), nil)
	if err != nil {
		return router.ChatCompletionResponse{}, providers.Classify(err)
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return router.ChatCompletionResponse{}, providers.Classify(fmt.Errorf("decode ollama response: %w", err))
	}
	if !cr.Done && cr.Message.Content == "" {
		return router.ChatCompletionResponse{}, &router.ConnectorError{
			Category: router.CategoryParsing,
			Msg:      "incomplete ollama response",
		}
	}
	return c.convert(cr, req.Model), nil
}

// convert maps Ollama's reply onto the OpenAI-style envelope.
func (c *Connector) convert(cr chatResponse, requested string) router.ChatCompletionResponse {
	created := c.now().Unix()
	if t, err := time.Parse(time.RFC3339Nano, cr.CreatedAt); err == nil {
		created = t.Unix()
	}
	finish := cr.DoneReason
	if finish == "" {
		finish = "stop"
	}
	model := cr.Model
	if model == "" {
		model = requested
	}
	role := cr.Message.Role
	if role == "" {
		role = "assistant"
	}
	return router.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Model:   model,
		Created: created,
		Choices: []router.Choice{{
			Index:        0,
			Message:      router.Message{Role: role, Content: cr.Message.Content},
			FinishReason: finish,
		}},
		Usage: &router.Usage{
			PromptTokens:     cr.PromptEvalCount,
			CompletionTokens: cr.EvalCount,
			TotalTokens:      cr.PromptEvalCount + cr.EvalCount,
		},
	}
}

// GenerateStreaming returns Ollama's newline-delimited JSON stream as is. The
// caller closes it.
func (c *Connector) GenerateStreaming(ctx context.Context, req router.ChatCompletionRequest) (io.ReadCloser, error) {
	rc, err := providers.DoStreamRequest(ctx, c.client, c.baseURL+"/api/chat", c.request(req, true), nil)
	if err != nil {
		return nil, providers.Classify(err)
	}
	return rc, nil
}
