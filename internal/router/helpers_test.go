package router

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// fakeRegistry is an ordered in-memory ModelRegistry.
type fakeRegistry struct {
	mu         sync.RWMutex
	models     []ModelMetadata
	connectors map[string]ModelConnector
}

func newFakeRegistry(models ...ModelMetadata) *fakeRegistry {
	return &fakeRegistry{models: models, connectors: map[string]ModelConnector{}}
}

func (f *fakeRegistry) add(m ModelMetadata, c ModelConnector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = append(f.models, m)
	if c != nil {
		f.connectors[m.ID] = c
	}
}

func (f *fakeRegistry) setStatus(id string, s ModelStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.models {
		if f.models[i].ID == id {
			f.models[i].Status = s
		}
	}
}

func (f *fakeRegistry) ListModels() []ModelMetadata {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]ModelMetadata(nil), f.models...)
}

func (f *fakeRegistry) ListAvailableModels() []ModelMetadata {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []ModelMetadata
	for _, m := range f.models {
		if m.IsAvailable() {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeRegistry) FindModels(filter ModelFilter) []ModelMetadata {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []ModelMetadata
	for _, m := range f.models {
		if filter.Matches(m) {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeRegistry) GetModel(id string) (ModelMetadata, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, m := range f.models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelMetadata{}, false
}

func (f *fakeRegistry) GetConnector(id string) (ModelConnector, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.connectors[id]
	return c, ok
}

// fakeConnector answers with its model id, or with the queued errors first.
type fakeConnector struct {
	mu     sync.Mutex
	id     string
	errs   []error
	always error
	calls  int
}

func newFakeConnector(id string, errs ...error) *fakeConnector {
	return &fakeConnector{id: id, errs: errs}
}

func (c *fakeConnector) Generate(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := ctx.Err(); err != nil {
		return ChatCompletionResponse{}, err
	}
	if c.always != nil {
		return ChatCompletionResponse{}, c.always
	}
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return ChatCompletionResponse{}, err
	}
	return ChatCompletionResponse{
		ID:    "resp-" + c.id,
		Model: req.Model,
		Choices: []Choice{{
			Message:      Message{Role: "assistant", Content: "reply from " + c.id},
			FinishReason: "stop",
		}},
	}, nil
}

func (c *fakeConnector) GenerateStreaming(ctx context.Context, req ChatCompletionRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("data: [DONE]\n\n")), nil
}

func (c *fakeConnector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testModel(id, provider string) ModelMetadata {
	return ModelMetadata{
		ID:       id,
		Name:     "Test " + id,
		Provider: provider,
		Type:     TypeText,
		Status:   StatusAvailable,
		Capabilities: Capabilities{
			MaxContextLength:        4096,
			SupportsStreaming:       true,
			SupportsFunctionCalling: true,
		},
	}
}

func taggedModel(id, provider, tag string) ModelMetadata {
	m := testModel(id, provider)
	m.Capabilities.Additional = map[string]string{tag: "true"}
	return m
}

func chat(contents ...string) ChatCompletionRequest {
	req := ChatCompletionRequest{}
	for _, c := range contents {
		req.Messages = append(req.Messages, Message{Role: "user", Content: c})
	}
	return req
}

func routingRequest(contents ...string) RoutingRequest {
	return NewRoutingRequest(chat(contents...))
}

func serverErr(msg string) error {
	return &ConnectorError{Category: CategoryServer, Msg: msg, StatusCode: 500}
}

func authErr() error {
	return &ConnectorError{Category: CategoryAuthentication, Msg: "bad key", StatusCode: 401}
}

var errBoom = errors.New("boom")

func latency(ms float64) *float64 { return &ms }
