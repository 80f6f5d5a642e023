package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jordanhubbard/modelrouter/internal/providers"
	"github.com/jordanhubbard/modelrouter/internal/router"
)

const maxChatBody = 4 << 20

// autoModel in the body's model field leaves the choice to the router.
const autoModel = "auto"

// RoutingOptions are per-request routing hints sent alongside an
// OpenAI-style chat body.
type RoutingOptions struct {
	PreferredModel string   `json:"preferred_model,omitempty"`
	ExcludedModels []string `json:"excluded_models,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	User           string   `json:"user,omitempty"`
	Org            string   `json:"org,omitempty"`
	TimeoutMs      int      `json:"timeout_ms,omitempty"`
	MaxAttempts    int      `json:"max_attempts,omitempty"`
}

// ChatCompletionRequest is the JSON body for POST /v1/chat/completions.
type ChatCompletionRequest struct {
	router.ChatCompletionRequest
	User    string          `json:"user,omitempty"`
	Routing *RoutingOptions `json:"routing,omitempty"`
}

// ChatCompletionResponse is the completion plus the decision that produced it.
type ChatCompletionResponse struct {
	router.ChatCompletionResponse
	Routing router.RoutingMetadata `json:"routing"`
}

// knownChatKeys are decoded into typed fields; anything else in the body is
// passed to the connector as an extra provider parameter.
var knownChatKeys = map[string]bool{
	"model": true, "messages": true, "temperature": true, "top_p": true,
	"max_tokens": true, "stream": true, "functions": true, "tools": true,
	"user": true, "routing": true,
}

func decodeChatRequest(r *http.Request) (ChatCompletionRequest, error) {
	var req ChatCompletionRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBody+1))
	if err != nil {
		return req, err
	}
	if len(body) > maxChatBody {
		return req, errors.New("request body too large")
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return req, err
	}
	for k, v := range raw {
		if knownChatKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return req, err
		}
		if req.Params == nil {
			req.Params = map[string]any{}
		}
		req.Params[k] = val
	}
	return req, nil
}

func validateChatRequest(req ChatCompletionRequest) string {
	switch {
	case len(req.Messages) == 0:
		return "messages required"
	case req.Stream:
		return "stream is not supported by the routing endpoint"
	case req.MaxTokens < 0:
		return "max_tokens must not be negative"
	}
	if o := req.Routing; o != nil {
		switch {
		case o.Priority < 0 || o.Priority > math.MaxUint8:
			return "routing.priority must be between 0 and 255"
		case o.TimeoutMs < 0:
			return "routing.timeout_ms must not be negative"
		case o.MaxAttempts < 0:
			return "routing.max_attempts must not be negative"
		}
	}
	return ""
}

// buildRoutingRequest layers body routing hints and then in-band directives
// onto a fresh RoutingRequest. Directives are stripped from the messages
// before they reach a connector.
func buildRoutingRequest(req ChatCompletionRequest, requestID string) router.RoutingRequest {
	directives := router.ParseDirectives(req.Messages)
	chat := req.ChatCompletionRequest
	if directives != nil {
		chat.Messages = router.StripDirectives(chat.Messages)
	}
	chat.Model = ""

	rr := router.NewRoutingRequest(chat)
	rc := rr.Context.WithRequestID(requestID)
	if req.User != "" {
		rc = rc.WithUserID(req.User)
	}
	if req.Model != "" && req.Model != autoModel {
		rr = rr.WithPreferredModel(req.Model)
	}

	if o := req.Routing; o != nil {
		if o.User != "" {
			rc = rc.WithUserID(o.User)
		}
		if o.Org != "" {
			rc = rc.WithOrgID(o.Org)
		}
		for _, t := range o.Tags {
			rc = rc.WithTag(t)
		}
		if o.Priority > 0 {
			rc = rc.WithPriority(uint8(o.Priority))
		}
		if o.PreferredModel != "" {
			rr = rr.WithPreferredModel(o.PreferredModel)
		}
		for _, id := range o.ExcludedModels {
			rr = rr.WithExcludedModel(id)
		}
		if o.Provider != "" {
			provider := o.Provider
			rr = rr.WithFilter(router.ModelFilter{Provider: &provider})
		}
		if o.TimeoutMs > 0 {
			rr = rr.WithTimeout(time.Duration(o.TimeoutMs) * time.Millisecond)
		}
		if o.MaxAttempts > 0 {
			rr = rr.WithMaxAttempts(o.MaxAttempts)
		}
	}
	rr = rr.WithContext(rc)
	return directives.Apply(rr)
}

// statusForError maps a routing failure onto an HTTP status.
func statusForError(err error) int {
	switch {
	case router.IsTimeout(err):
		return http.StatusGatewayTimeout
	case router.ErrorKindOf(err) == router.KindInvalidRequest:
		return http.StatusBadRequest
	case router.ErrorKindOf(err) == router.KindNoSuitableModel:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// ChatCompletionsHandler handles POST /v1/chat/completions.
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeChatRequest(r)
		if err != nil {
			jsonError(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if msg := validateChatRequest(req); msg != "" {
			jsonError(w, msg, http.StatusBadRequest)
			return
		}

		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = uuid.NewString()
		}
		rr := buildRoutingRequest(req, requestID)
		ctx := providers.WithRequestID(r.Context(), requestID)

		resp, err := d.Router.Route(ctx, rr)
		if err != nil {
			var ce *router.ConnectorError
			if errors.As(err, &ce) && ce.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ce.RetryAfter.Seconds()))))
			}
			d.logger().Debug("chat completion failed",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()),
			)
			jsonError(w, err.Error(), statusForError(err))
			return
		}

		w.Header().Set("X-Request-ID", requestID)
		writeJSON(w, http.StatusOK, ChatCompletionResponse{
			ChatCompletionResponse: resp.Response,
			Routing:                resp.Metadata,
		})
	}
}

// RouterMetricsHandler handles GET /v1/router/metrics.
func RouterMetricsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Router.Metrics())
	}
}
