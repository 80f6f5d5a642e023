package health

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newTestProber(tracker *Tracker, interval time.Duration, targets ...Probeable) *Prober {
	p := NewProber(ProberConfig{Interval: interval, ProbeTimeout: time.Second}, tracker, nil, quietLogger())
	for _, t := range targets {
		p.AddTarget(t)
	}
	return p
}

func TestProberStatusClassification(t *testing.T) {
	tests := []struct {
		status  int
		healthy bool
	}{
		{http.StatusOK, true},
		{http.StatusNoContent, true},
		{http.StatusUnauthorized, true},
		{http.StatusMethodNotAllowed, true},
		{http.StatusNotFound, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			tracker := NewTracker(DefaultConfig())
			p := newTestProber(tracker, time.Minute, NewTarget("m", srv.URL+"/health"))
			p.ProbeAll(context.Background())

			s := tracker.GetStats("m")
			if s.TotalRequests != 1 {
				t.Fatalf("expected one probe recorded, got %d", s.TotalRequests)
			}
			if got := s.TotalErrors == 0; got != tt.healthy {
				t.Errorf("status %d: healthy=%v, want %v", tt.status, got, tt.healthy)
			}
		})
	}
}

func TestProberUnreachableEndpoint(t *testing.T) {
	tracker := NewTracker(TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     2,
		CooldownDuration:        time.Minute,
	})
	// Nothing listens on port 1.
	p := newTestProber(tracker, time.Minute, NewTarget("dead", "http://127.0.0.1:1/health"))
	p.ProbeAll(context.Background())
	p.ProbeAll(context.Background())

	s := tracker.GetStats("dead")
	if s.TotalErrors != 2 {
		t.Errorf("expected 2 errors for unreachable endpoint, got %d", s.TotalErrors)
	}
	if s.State != StateDown {
		t.Errorf("expected down, got %s", s.State)
	}
}

func TestProberRecoversDownModel(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var last Stats
	tracker := NewTracker(TrackerConfig{ConsecErrorsForDegraded: 1, ConsecErrorsForDown: 1, CooldownDuration: time.Hour},
		WithOnUpdate(func(s Stats) { last = s }))
	p := newTestProber(tracker, time.Minute, NewTarget("m", srv.URL))

	p.ProbeAll(context.Background())
	if last.State.ModelStatus() != "unavailable" {
		t.Fatalf("expected unavailable after failed probe, got %s", last.State)
	}

	healthy.Store(true)
	p.ProbeAll(context.Background())
	if last.State.ModelStatus() != "available" {
		t.Errorf("expected available after successful probe, got %s", last.State)
	}
}

func TestProberTargets(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	p := newTestProber(tracker, time.Minute,
		NewTarget("a", "http://127.0.0.1:1"),
		NewTarget("b", "http://127.0.0.1:1"),
		NewTarget("no-probe", ""),
	)
	if p.Targets() != 2 {
		t.Errorf("expected empty endpoint to be skipped, got %d targets", p.Targets())
	}

	p.AddTarget(NewTarget("a", "http://127.0.0.1:2"))
	if p.Targets() != 2 {
		t.Errorf("expected re-adding a model to replace it, got %d targets", p.Targets())
	}

	p.RemoveTarget("a")
	if p.Targets() != 1 {
		t.Errorf("expected 1 target after removal, got %d", p.Targets())
	}
}

func TestProberMultipleTargets(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := NewTracker(DefaultConfig())
	p := newTestProber(tracker, time.Minute,
		NewTarget("m1", srv.URL+"/health"),
		NewTarget("m2", srv.URL+"/health"),
		NewTarget("m3", srv.URL+"/health"),
	)
	p.ProbeAll(context.Background())

	if hits.Load() != 3 {
		t.Errorf("expected 3 probe hits, got %d", hits.Load())
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if tracker.GetStats(id).TotalRequests == 0 {
			t.Errorf("expected probe recorded for %s", id)
		}
	}
}

func TestProberStopIsClean(t *testing.T) {
	var probeCount atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probeCount.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := NewTracker(DefaultConfig())
	// Long interval: only the initial probe fires.
	p := newTestProber(tracker, 10*time.Second, NewTarget("m", srv.URL+"/health"))

	p.Start()
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	countAfterStop := probeCount.Load()
	time.Sleep(50 * time.Millisecond)

	if countAfterStop != 1 {
		t.Errorf("expected exactly the initial probe, got %d", countAfterStop)
	}
	if probeCount.Load() != countAfterStop {
		t.Error("probes continued after Stop()")
	}
}
