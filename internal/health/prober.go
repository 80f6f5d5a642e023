package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jordanhubbard/modelrouter/internal/router"
)

// Probeable is a model whose backend exposes a cheap liveness endpoint.
type Probeable interface {
	ModelID() string
	HealthEndpoint() string
}

type target struct{ id, endpoint string }

func (t target) ModelID() string        { return t.id }
func (t target) HealthEndpoint() string { return t.endpoint }

// NewTarget returns a Probeable for modelID served at endpoint.
func NewTarget(modelID, endpoint string) Probeable {
	return target{id: modelID, endpoint: endpoint}
}

// ProberConfig configures the health check prober.
type ProberConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"timeout"`
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober periodically probes model endpoints and feeds results into a
// HealthReporter. It is what brings a model marked down back into rotation,
// since routing no longer sends it traffic.
type Prober struct {
	cfg      ProberConfig
	reporter router.HealthReporter
	client   *http.Client
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}

	mu      sync.RWMutex
	targets map[string]Probeable // keyed by model ID
}

// NewProber creates a health check prober. A nil client gets a plain one with
// the probe timeout.
func NewProber(cfg ProberConfig, reporter router.HealthReporter, client *http.Client, logger *slog.Logger) *Prober {
	if client == nil {
		client = &http.Client{Timeout: cfg.ProbeTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:      cfg,
		reporter: reporter,
		targets:  make(map[string]Probeable),
		client:   client,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AddTarget registers a probe target. A target with the same model ID is
// replaced. Safe to call while the prober is running.
func (p *Prober) AddTarget(t Probeable) {
	if t.HealthEndpoint() == "" {
		return
	}
	p.mu.Lock()
	p.targets[t.ModelID()] = t
	p.mu.Unlock()
	p.logger.Info("health prober: added target", slog.String("model", t.ModelID()))
}

// RemoveTarget removes a probe target. Safe to call while the prober is running.
func (p *Prober) RemoveTarget(modelID string) {
	p.mu.Lock()
	delete(p.targets, modelID)
	p.mu.Unlock()
	p.logger.Info("health prober: removed target", slog.String("model", modelID))
}

// Targets returns the number of registered targets.
func (p *Prober) Targets() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.targets)
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	p.ProbeAll(context.Background())

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.ProbeAll(context.Background())
		case <-p.stop:
			return
		}
	}
}

// ProbeAll probes every target concurrently and waits for the results.
func (p *Prober) ProbeAll(ctx context.Context) {
	p.mu.RLock()
	snapshot := make([]Probeable, 0, len(p.targets))
	for _, t := range p.targets {
		snapshot = append(snapshot, t)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range snapshot {
		wg.Add(1)
		go func(t Probeable) {
			defer wg.Done()
			p.probe(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, t Probeable) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	id := t.ModelID()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.HealthEndpoint(), nil)
	if err != nil {
		p.reporter.RecordError(id, "probe: "+err.Error())
		p.logger.Warn("health probe request error", slog.String("model", id), slog.String("error", err.Error()))
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000

	if err != nil {
		p.reporter.RecordError(id, "probe: "+err.Error())
		p.logger.Warn("health probe failed", slog.String("model", id), slog.String("error", err.Error()))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// 401 and 405 mean the endpoint exists but wants auth or another method.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 ||
		resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusMethodNotAllowed {
		p.reporter.RecordSuccess(id, latencyMs)
		p.logger.Debug("health probe ok",
			slog.String("model", id),
			slog.Int("status", resp.StatusCode),
			slog.Float64("latency_ms", latencyMs),
		)
		return
	}
	p.reporter.RecordError(id, "probe: HTTP "+resp.Status)
	p.logger.Warn("health probe unhealthy", slog.String("model", id), slog.Int("status", resp.StatusCode))
}
