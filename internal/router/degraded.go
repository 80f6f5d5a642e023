package router

import (
	"context"
	"errors"
	"time"
)

// DegradedKind selects how the router answers once every strategy failed.
type DegradedKind string

const (
	DegradedFailFast     DegradedKind = "fail_fast"
	DegradedStatic       DegradedKind = "static_response"
	DegradedDefaultModel DegradedKind = "default_model"
)

// degradedModelID is the sentinel model and response id of static replies.
const degradedModelID = "degraded-mode"

// DegradedMode is the last tier of the routing cascade.
type DegradedMode struct {
	Kind    DegradedKind `yaml:"kind" json:"kind"`
	Text    string       `yaml:"text,omitempty" json:"text,omitempty"`
	ModelID string       `yaml:"model_id,omitempty" json:"model_id,omitempty"`
}

func FailFast() DegradedMode { return DegradedMode{Kind: DegradedFailFast} }

func StaticResponse(text string) DegradedMode {
	return DegradedMode{Kind: DegradedStatic, Text: text}
}

func DefaultModel(id string) DegradedMode {
	return DegradedMode{Kind: DegradedDefaultModel, ModelID: id}
}

// ErrDegradedFailFast is returned in fail-fast degraded mode.
var ErrDegradedFailFast = errors.New("Service is in degraded mode, failing fast")

// Validate checks that the mode carries what it needs.
func (d DegradedMode) Validate() error {
	switch d.Kind {
	case DegradedFailFast, "":
		return nil
	case DegradedStatic:
		return nil
	case DegradedDefaultModel:
		if d.ModelID == "" {
			return StrategyConfigError("default_model degraded mode requires a model id")
		}
		return nil
	}
	return StrategyConfigError("unknown degraded mode %q", d.Kind)
}

// handleDegraded produces the degraded-mode response for req.
func (r *Router) handleDegraded(ctx context.Context, mode DegradedMode, req RoutingRequest, start time.Time) (RoutingResponse, error) {
	switch mode.Kind {
	case DegradedStatic:
		now := r.now()
		return RoutingResponse{
			Response: ChatCompletionResponse{
				ID:      degradedModelID,
				Object:  "chat.completion",
				Model:   degradedModelID,
				Created: now.Unix(),
				Choices: []Choice{{
					Index:        0,
					Message:      Message{Role: "assistant", Content: mode.Text},
					FinishReason: "degraded_mode",
				}},
			},
			Metadata: RoutingMetadata{
				SelectedModelID:   degradedModelID,
				StrategyName:      "degraded_mode",
				StartTime:         start,
				EndTime:           now,
				ElapsedMs:         now.Sub(start).Milliseconds(),
				Attempts:          0,
				IsFallback:        true,
				SelectionCriteria: "degraded_mode",
				Extra:             map[string]string{"degraded_mode": "true"},
			},
		}, nil

	case DegradedDefaultModel:
		if _, ok := r.registry.GetModel(mode.ModelID); !ok {
			return RoutingResponse{}, NoSuitableModelError("Default model %s not found in degraded mode", mode.ModelID)
		}
		conn, ok := r.registry.GetConnector(mode.ModelID)
		if !ok {
			return RoutingResponse{}, NoSuitableModelError("No connector found for default model %s in degraded mode", mode.ModelID)
		}
		chat := req.Context.Request
		chat.Model = mode.ModelID
		t0 := r.now()
		resp, err := conn.Generate(ctx, chat)
		if err != nil {
			if r.health != nil && IsBackendFault(ctx, err) {
				r.health.RecordError(mode.ModelID, err.Error())
			}
			return RoutingResponse{}, &RouterError{Kind: KindConnector, Err: err}
		}
		now := r.now()
		if r.health != nil {
			r.health.RecordSuccess(mode.ModelID, float64(now.Sub(t0).Microseconds())/1000)
		}
		return RoutingResponse{
			Response: resp,
			Metadata: RoutingMetadata{
				SelectedModelID:   mode.ModelID,
				StrategyName:      "degraded_mode",
				StartTime:         start,
				EndTime:           now,
				ElapsedMs:         now.Sub(start).Milliseconds(),
				ModelsConsidered:  1,
				Attempts:          1,
				IsFallback:        true,
				SelectionCriteria: "degraded_mode",
				Extra:             map[string]string{"degraded_mode": "true"},
			},
		}, nil

	default:
		return RoutingResponse{}, ErrDegradedFailFast
	}
}
