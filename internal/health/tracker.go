package health

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/modelrouter/internal/events"
	"github.com/jordanhubbard/modelrouter/internal/router"
)

// State represents the health state of a model backend.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// ModelStatus maps a health state onto the registry status that routing
// consults.
func (s State) ModelStatus() router.ModelStatus {
	switch s {
	case StateDegraded:
		return router.StatusLimited
	case StateDown:
		return router.StatusUnavailable
	default:
		return router.StatusAvailable
	}
}

// Stats captures runtime health metrics for a single model.
type Stats struct {
	ModelID       string    `json:"model_id"`
	State         State     `json:"state"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// TrackerConfig configures the health tracker thresholds.
type TrackerConfig struct {
	// ConsecErrorsForDegraded: how many consecutive errors before degraded state.
	ConsecErrorsForDegraded int `yaml:"consec_errors_for_degraded"`
	// ConsecErrorsForDown: how many consecutive errors before down state.
	ConsecErrorsForDown int `yaml:"consec_errors_for_down"`
	// CooldownDuration: how long to keep a model in down state.
	CooldownDuration time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker tracks runtime health of every routed model. It implements
// router.HealthReporter.
type Tracker struct {
	cfg      TrackerConfig
	EventBus *events.Bus
	onUpdate func(s Stats)
	now      func() time.Time

	mu    sync.RWMutex
	stats map[string]*Stats
}

var _ router.HealthReporter = (*Tracker)(nil)

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithEventBus attaches an event bus to the tracker so that health state
// transitions are published as EventHealthChange events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) {
		t.EventBus = bus
	}
}

// WithOnUpdate registers a callback invoked with a copy of the model's stats
// on every RecordSuccess/RecordError call (not just state transitions). Use
// this to push status and latency into the registry and keep gauges current.
func WithOnUpdate(fn func(s Stats)) TrackerOption {
	return func(t *Tracker) {
		t.onUpdate = fn
	}
}

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		now:   time.Now,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a successful call to a model.
func (t *Tracker) RecordSuccess(modelID string, latencyMs float64) {
	t.mu.Lock()

	s := t.getOrCreate(modelID)
	oldState := s.State

	s.TotalRequests++
	s.ConsecErrors = 0
	s.LastSuccessAt = t.now()
	s.State = StateHealthy
	s.CooldownUntil = time.Time{}

	// Running average (simple weighted).
	if s.TotalRequests-s.TotalErrors == 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}

	snap := *s
	t.mu.Unlock()

	t.notify(snap, oldState, "success recorded")
}

// RecordError records a failed call to a model.
func (t *Tracker) RecordError(modelID string, errMsg string) {
	t.mu.Lock()

	s := t.getOrCreate(modelID)
	oldState := s.State

	s.TotalRequests++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = errMsg
	s.LastErrorTime = t.now()

	if s.ConsecErrors >= t.cfg.ConsecErrorsForDown {
		s.State = StateDown
		s.CooldownUntil = t.now().Add(t.cfg.CooldownDuration)
	} else if s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		s.State = StateDegraded
	}

	snap := *s
	t.mu.Unlock()

	t.notify(snap, oldState, errMsg)
}

func (t *Tracker) notify(s Stats, oldState State, reason string) {
	if t.onUpdate != nil {
		t.onUpdate(s)
	}
	if oldState != s.State && t.EventBus != nil {
		t.EventBus.Publish(events.Event{
			Type:     events.EventHealthChange,
			ModelID:  s.ModelID,
			OldState: string(oldState),
			NewState: string(s.State),
			Reason:   reason,
		})
	}
}

// IsAvailable returns whether a model should receive requests.
func (t *Tracker) IsAvailable(modelID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[modelID]
	if !ok {
		return true // unknown model is assumed available
	}
	if s.State == StateDown && t.now().Before(s.CooldownUntil) {
		return false
	}
	return true
}

// GetStats returns a copy of the health stats for a model.
func (t *Tracker) GetStats(modelID string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[modelID]
	if !ok {
		return &Stats{ModelID: modelID, State: StateHealthy}
	}
	cp := *s
	return &cp
}

// AllStats returns a copy of health stats for all known models, ordered by id.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ModelID < result[j].ModelID })
	return result
}

// GetErrorRate returns the error rate for a model.
func (t *Tracker) GetErrorRate(modelID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[modelID]; ok && s.TotalRequests > 0 {
		return float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	return 0
}

// Forget drops the stats of a model that was removed from the registry.
func (t *Tracker) Forget(modelID string) {
	t.mu.Lock()
	delete(t.stats, modelID)
	t.mu.Unlock()
}

func (t *Tracker) getOrCreate(modelID string) *Stats {
	s, ok := t.stats[modelID]
	if !ok {
		s = &Stats{ModelID: modelID, State: StateHealthy}
		t.stats[modelID] = s
	}
	return s
}
