package router

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Message is one chat turn in OpenAI-style shape.
type Message struct {
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// ChatCompletionRequest is the provider-agnostic request envelope. Connectors
// translate it into provider-specific API calls.
type ChatCompletionRequest struct {
	Model       string               `json:"model,omitempty"`
	Messages    []Message            `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
	Functions   []FunctionDefinition `json:"functions,omitempty"`
	Tools       []ToolDefinition     `json:"tools,omitempty"`

	// Extra provider parameters passed through verbatim.
	Params map[string]any `json:"-"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object,omitempty"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// RoutingContext carries the request plus caller identity and routing hints.
// It is a value type: every With method returns a modified copy and leaves
// the receiver untouched.
type RoutingContext struct {
	Request    ChatCompletionRequest
	RequestID  string
	UserID     string
	OrgID      string
	Timestamp  time.Time
	Priority   uint8
	Tags       []string
	Parameters map[string]string
}

// NewRoutingContext wraps req with a fresh request id and timestamp.
func NewRoutingContext(req ChatCompletionRequest) RoutingContext {
	return RoutingContext{
		Request:    req,
		RequestID:  uuid.NewString(),
		Timestamp:  time.Now(),
		Parameters: map[string]string{},
	}
}

func (c RoutingContext) clone() RoutingContext {
	c.Tags = slices.Clone(c.Tags)
	c.Parameters = maps.Clone(c.Parameters)
	return c
}

func (c RoutingContext) WithUserID(id string) RoutingContext {
	c = c.clone()
	c.UserID = id
	return c
}

func (c RoutingContext) WithOrgID(id string) RoutingContext {
	c = c.clone()
	c.OrgID = id
	return c
}

func (c RoutingContext) WithRequestID(id string) RoutingContext {
	c = c.clone()
	c.RequestID = id
	return c
}

func (c RoutingContext) WithPriority(p uint8) RoutingContext {
	c = c.clone()
	c.Priority = p
	return c
}

// WithTag adds tag unless it is already present.
func (c RoutingContext) WithTag(tag string) RoutingContext {
	c = c.clone()
	if !slices.Contains(c.Tags, tag) {
		c.Tags = append(c.Tags, tag)
	}
	return c
}

func (c RoutingContext) WithParameter(key, value string) RoutingContext {
	c = c.clone()
	if c.Parameters == nil {
		c.Parameters = map[string]string{}
	}
	c.Parameters[key] = value
	return c
}

func (c RoutingContext) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

const defaultTimeout = 30 * time.Second

// RoutingRequest is the input to Router.Route.
type RoutingRequest struct {
	Context          RoutingContext
	Filter           *ModelFilter
	PreferredModelID string
	ExcludedModelIDs []string
	// MaxAttempts caps invocations per strategy; zero leaves it to the
	// retry policy.
	MaxAttempts int
	Timeout     time.Duration
}

// NewRoutingRequest builds a RoutingRequest with the default timeout and no
// attempt cap.
func NewRoutingRequest(req ChatCompletionRequest) RoutingRequest {
	return RoutingRequest{
		Context: NewRoutingContext(req),
		Timeout: defaultTimeout,
	}
}

func (r RoutingRequest) clone() RoutingRequest {
	r.Context = r.Context.clone()
	r.ExcludedModelIDs = slices.Clone(r.ExcludedModelIDs)
	if r.Filter != nil {
		f := *r.Filter
		r.Filter = &f
	}
	return r
}

func (r RoutingRequest) WithContext(c RoutingContext) RoutingRequest {
	r = r.clone()
	r.Context = c.clone()
	return r
}

func (r RoutingRequest) WithFilter(f ModelFilter) RoutingRequest {
	r = r.clone()
	r.Filter = &f
	return r
}

func (r RoutingRequest) WithPreferredModel(id string) RoutingRequest {
	r = r.clone()
	r.PreferredModelID = id
	return r
}

// WithExcludedModel adds id to the excluded set unless already present.
func (r RoutingRequest) WithExcludedModel(id string) RoutingRequest {
	r = r.clone()
	if !slices.Contains(r.ExcludedModelIDs, id) {
		r.ExcludedModelIDs = append(r.ExcludedModelIDs, id)
	}
	return r
}

func (r RoutingRequest) WithMaxAttempts(n int) RoutingRequest {
	r = r.clone()
	r.MaxAttempts = n
	return r
}

func (r RoutingRequest) WithTimeout(d time.Duration) RoutingRequest {
	r = r.clone()
	r.Timeout = d
	return r
}

// IsExcluded reports whether id is in the excluded set.
func (r RoutingRequest) IsExcluded(id string) bool {
	return slices.Contains(r.ExcludedModelIDs, id)
}

// RoutingMetadata describes one routing decision.
type RoutingMetadata struct {
	SelectedModelID   string            `json:"selected_model_id"`
	StrategyName      string            `json:"strategy_name"`
	StartTime         time.Time         `json:"start_time"`
	EndTime           time.Time         `json:"end_time"`
	ElapsedMs         int64             `json:"routing_time_ms"`
	ModelsConsidered  int               `json:"models_considered"`
	Attempts          int               `json:"attempts"`
	IsFallback        bool              `json:"is_fallback"`
	SelectionCriteria string            `json:"selection_criteria,omitempty"`
	Extra             map[string]string `json:"additional_info,omitempty"`
}

// RoutingResponse pairs the provider response with its routing metadata.
type RoutingResponse struct {
	Response ChatCompletionResponse `json:"response"`
	Metadata RoutingMetadata        `json:"routing"`
}
