package router

import (
	"maps"
	"strings"
)

// ModelStatus is the registry's view of whether a model can serve traffic.
type ModelStatus string

const (
	StatusAvailable   ModelStatus = "available"
	StatusLimited     ModelStatus = "limited"
	StatusUnavailable ModelStatus = "unavailable"
	StatusMaintenance ModelStatus = "maintenance"
	StatusDeprecated  ModelStatus = "deprecated"
	StatusUnknown     ModelStatus = "unknown"
)

// IsAvailable reports whether the status permits routing. Limited models are
// routable; strategies decide separately whether to include them.
func (s ModelStatus) IsAvailable() bool {
	return s == StatusAvailable || s == StatusLimited
}

// ParseModelStatus maps a case-insensitive name to a status. Unrecognised
// names map to StatusUnknown.
func ParseModelStatus(s string) ModelStatus {
	switch st := ModelStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusAvailable, StatusLimited, StatusUnavailable, StatusMaintenance, StatusDeprecated:
		return st
	default:
		return StatusUnknown
	}
}

// ModelType is the modality a model serves. Values outside the well-known set
// are allowed.
type ModelType string

const (
	TypeText       ModelType = "text"
	TypeEmbedding  ModelType = "embedding"
	TypeImage      ModelType = "image"
	TypeAudio      ModelType = "audio"
	TypeMultimodal ModelType = "multimodal"
)

// Performance holds observed performance figures. Nil means unknown.
type Performance struct {
	AvgLatencyMs    *float64 `json:"avg_latency_ms,omitempty"`
	TokensPerSecond *float64 `json:"tokens_per_second,omitempty"`
}

type Capabilities struct {
	MaxContextLength        int               `json:"max_context_length"`
	SupportsStreaming       bool              `json:"supports_streaming"`
	SupportsFunctionCalling bool              `json:"supports_function_calling"`
	Performance             Performance       `json:"performance"`
	Additional              map[string]string `json:"additional,omitempty"`
}

// ModelMetadata describes one routable model.
type ModelMetadata struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Provider     string            `json:"provider"`
	Version      string            `json:"version,omitempty"`
	Type         ModelType         `json:"type"`
	Status       ModelStatus       `json:"status"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Capabilities Capabilities      `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IsAvailable reports whether the model's status permits routing.
func (m ModelMetadata) IsAvailable() bool { return m.Status.IsAvailable() }

// Clone returns a deep copy so callers can mutate maps freely.
func (m ModelMetadata) Clone() ModelMetadata {
	m.Metadata = maps.Clone(m.Metadata)
	m.Capabilities.Additional = maps.Clone(m.Capabilities.Additional)
	if p := m.Capabilities.Performance.AvgLatencyMs; p != nil {
		v := *p
		m.Capabilities.Performance.AvgLatencyMs = &v
	}
	if p := m.Capabilities.Performance.TokensPerSecond; p != nil {
		v := *p
		m.Capabilities.Performance.TokensPerSecond = &v
	}
	return m
}

// HasKey reports whether key appears in either the capability extras or the
// general metadata map.
func (m ModelMetadata) HasKey(key string) bool {
	if _, ok := m.Capabilities.Additional[key]; ok {
		return true
	}
	_, ok := m.Metadata[key]
	return ok
}

// ModelFilter narrows a registry query. Nil fields are unconstrained.
type ModelFilter struct {
	Provider                *string      `json:"provider,omitempty"`
	Type                    *ModelType   `json:"type,omitempty"`
	Status                  *ModelStatus `json:"status,omitempty"`
	MinContextLength        *int         `json:"min_context_length,omitempty"`
	SupportsStreaming       *bool        `json:"supports_streaming,omitempty"`
	SupportsFunctionCalling *bool        `json:"supports_function_calling,omitempty"`
	MaxLatencyMs            *float64     `json:"max_latency_ms,omitempty"`
}

// Matches reports whether m satisfies every set field of f.
func (f ModelFilter) Matches(m ModelMetadata) bool {
	if f.Provider != nil && m.Provider != *f.Provider {
		return false
	}
	if f.Type != nil && m.Type != *f.Type {
		return false
	}
	if f.Status != nil && m.Status != *f.Status {
		return false
	}
	if f.MinContextLength != nil && m.Capabilities.MaxContextLength < *f.MinContextLength {
		return false
	}
	if f.SupportsStreaming != nil && m.Capabilities.SupportsStreaming != *f.SupportsStreaming {
		return false
	}
	if f.SupportsFunctionCalling != nil && m.Capabilities.SupportsFunctionCalling != *f.SupportsFunctionCalling {
		return false
	}
	if f.MaxLatencyMs != nil {
		lat := m.Capabilities.Performance.AvgLatencyMs
		if lat == nil || *lat > *f.MaxLatencyMs {
			return false
		}
	}
	return true
}
