package router

import (
	"context"
	"io"
	"sort"
)

// ModelConnector sends requests to one backend model.
type ModelConnector interface {
	Generate(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResponse, error)
	GenerateStreaming(ctx context.Context, req ChatCompletionRequest) (io.ReadCloser, error)
}

// ModelRegistry is the read side of the model registry the router consults.
// Defined here to avoid an import cycle with the registry package.
type ModelRegistry interface {
	ListModels() []ModelMetadata
	ListAvailableModels() []ModelMetadata
	FindModels(filter ModelFilter) []ModelMetadata
	GetModel(id string) (ModelMetadata, bool)
	GetConnector(id string) (ModelConnector, bool)
}

// EligibleModels resolves the candidate set for req: the filter (or every
// available model), minus excluded ids, narrowed to the preferred model when
// that model survives.
func EligibleModels(reg ModelRegistry, req RoutingRequest) ([]ModelMetadata, error) {
	var models []ModelMetadata
	if req.Filter != nil {
		models = reg.FindModels(*req.Filter)
	} else {
		models = reg.ListAvailableModels()
	}

	out := models[:0:0]
	for _, m := range models {
		if !req.IsExcluded(m.ID) {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, NoSuitableModelError("no models match the routing criteria")
	}

	if req.PreferredModelID != "" {
		for _, m := range out {
			if m.ID == req.PreferredModelID {
				return []ModelMetadata{m}, nil
			}
		}
	}
	return out, nil
}

// RegistrySummary reports counts of the registry's models by provider, type
// and status, plus the ids currently routable.
func RegistrySummary(reg ModelRegistry) map[string]any {
	all := reg.ListModels()
	available := reg.ListAvailableModels()

	byProvider := map[string]int{}
	byType := map[string]int{}
	byStatus := map[string]int{}
	for _, m := range all {
		byProvider[m.Provider]++
		byType[string(m.Type)]++
		byStatus[string(m.Status)]++
	}
	ids := make([]string, 0, len(available))
	for _, m := range available {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)

	return map[string]any{
		"total_models":        len(all),
		"available_models":    len(available),
		"available_model_ids": ids,
		"models_by_provider":  byProvider,
		"models_by_type":      byType,
		"models_by_status":    byStatus,
	}
}
