package circuitbreaker

import (
	"sort"
	"sync"
)

// Set holds one Breaker per label, created lazily with shared options.
type Set struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
}

// NewSet returns an empty Set whose breakers are built with opts.
func NewSet(opts ...Option) *Set {
	return &Set{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// Get returns the breaker for label, creating it on first use.
func (s *Set) Get(label string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[label]
	if !ok {
		b = New(label, s.opts...)
		s.breakers[label] = b
	}
	return b
}

// States returns a snapshot of every known breaker's state keyed by label.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make(map[string]State, len(list))
	for _, b := range list {
		out[b.Label()] = b.CurrentState()
	}
	return out
}

// Labels returns the known labels in sorted order.
func (s *Set) Labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.breakers))
	for l := range s.breakers {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Reset closes the breaker for label if it exists. It reports whether a
// breaker was found.
func (s *Set) Reset(label string) bool {
	s.mu.Lock()
	b, ok := s.breakers[label]
	s.mu.Unlock()
	if ok {
		b.Reset()
	}
	return ok
}

// ResetAll closes every breaker in the set.
func (s *Set) ResetAll() {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()
	for _, b := range list {
		b.Reset()
	}
}
