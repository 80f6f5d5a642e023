package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jordanhubbard/modelrouter/internal/circuitbreaker"
)

// RetryKind selects the retry schedule.
type RetryKind string

const (
	RetryNone        RetryKind = "none"
	RetryFixed       RetryKind = "fixed"
	RetryExponential RetryKind = "exponential_backoff"
)

// RetryPolicy is pure configuration; all retry state lives in one Execute call.
type RetryPolicy struct {
	Kind            RetryKind     `yaml:"kind" json:"kind"`
	Interval        time.Duration `yaml:"interval" json:"interval,omitempty"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval,omitempty"`
	Factor          float64       `yaml:"factor" json:"factor,omitempty"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval,omitempty"`
}

func NoRetry() RetryPolicy { return RetryPolicy{Kind: RetryNone} }

func FixedRetry(interval time.Duration, maxRetries int) RetryPolicy {
	return RetryPolicy{Kind: RetryFixed, Interval: interval, MaxRetries: maxRetries}
}

func ExponentialRetry(initial time.Duration, factor float64, maxRetries int, maxInterval time.Duration) RetryPolicy {
	return RetryPolicy{
		Kind:            RetryExponential,
		InitialInterval: initial,
		Factor:          factor,
		MaxRetries:      maxRetries,
		MaxInterval:     maxInterval,
	}
}

// DefaultRetryPolicy is exponential backoff from 100ms doubling to 5s, three
// retries.
func DefaultRetryPolicy() RetryPolicy {
	return ExponentialRetry(100*time.Millisecond, 2.0, 3, 5*time.Second)
}

// Retries returns the number of retries the policy allows after the first
// attempt.
func (p RetryPolicy) Retries() int {
	if p.Kind == RetryNone || p.MaxRetries < 0 {
		return 0
	}
	return p.MaxRetries
}

// Validate rejects policies that cannot produce a schedule.
func (p RetryPolicy) Validate() error {
	switch p.Kind {
	case RetryNone, "":
		return nil
	case RetryFixed:
		if p.Interval < 0 {
			return StrategyConfigError("fixed retry interval must not be negative")
		}
	case RetryExponential:
		if p.InitialInterval <= 0 {
			return StrategyConfigError("exponential retry initial interval must be positive")
		}
		if p.Factor < 1 {
			return StrategyConfigError("exponential retry factor must be at least 1")
		}
	default:
		return StrategyConfigError("unknown retry policy %q", p.Kind)
	}
	if p.MaxRetries < 0 {
		return StrategyConfigError("max retries must not be negative")
	}
	return nil
}

// schedule returns a fresh backoff for one Execute call.
func (p RetryPolicy) schedule() backoff.BackOff {
	switch p.Kind {
	case RetryFixed:
		return backoff.NewConstantBackOff(p.Interval)
	case RetryExponential:
		maxInterval := p.MaxInterval
		if maxInterval <= 0 {
			maxInterval = time.Duration(math.MaxInt64)
		}
		b := &cappedBackOff{
			ExponentialBackOff: backoff.ExponentialBackOff{
				InitialInterval:     p.InitialInterval,
				RandomizationFactor: 0,
				Multiplier:          p.Factor,
				MaxInterval:         maxInterval,
			},
			max: maxInterval,
		}
		b.Reset()
		return b
	default:
		return &backoff.ZeroBackOff{}
	}
}

// cappedBackOff clamps every interval to max, including the first one which
// ExponentialBackOff returns unclamped.
type cappedBackOff struct {
	backoff.ExponentialBackOff
	max time.Duration
}

func (c *cappedBackOff) NextBackOff() time.Duration {
	return min(c.ExponentialBackOff.NextBackOff(), c.max)
}

// RetryObserver receives executor events. Implementations must not block.
type RetryObserver interface {
	ObserveRetry(label string, attempt int, category ErrorCategory)
	ObserveCircuitRejected(label string)
}

// Executor runs operations under a retry policy and a per-label circuit
// breaker.
type Executor struct {
	policy    RetryPolicy
	retryable map[ErrorCategory]bool
	breakers  *circuitbreaker.Set
	observer  RetryObserver
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewExecutor builds an Executor. A nil breaker set gets a default one.
func NewExecutor(policy RetryPolicy, retryable []ErrorCategory, breakers *circuitbreaker.Set) *Executor {
	if breakers == nil {
		breakers = circuitbreaker.NewSet()
	}
	set := make(map[ErrorCategory]bool, len(retryable))
	for _, c := range retryable {
		set[c] = true
	}
	return &Executor{
		policy:    policy,
		retryable: set,
		breakers:  breakers,
		logger:    slog.Default(),
		sleep:     sleepCtx,
	}
}

// Breakers returns the executor's breaker set.
func (e *Executor) Breakers() *circuitbreaker.Set { return e.breakers }

// IsRetryable reports whether err falls in a retryable category.
func (e *Executor) IsRetryable(err error) bool {
	return e.retryable[Categorize(err)]
}

// Execute runs op until it succeeds, fails with a non-retryable error, or
// exhausts the policy's retries. op receives the 1-based attempt number.
// It returns the number of times op was invoked.
func (e *Executor) Execute(ctx context.Context, label string, op func(ctx context.Context, attempt int) error) (int, error) {
	return e.run(ctx, label, 0, op)
}

// run is Execute with an optional cap on total invocations; zero means the
// policy alone decides.
func (e *Executor) run(ctx context.Context, label string, maxAttempts int, op func(ctx context.Context, attempt int) error) (int, error) {
	breaker := e.breakers.Get(label)
	sched := e.policy.schedule()
	retries := e.policy.Retries()
	if maxAttempts > 0 && retries > maxAttempts-1 {
		retries = maxAttempts - 1
	}

	for attempt := 1; ; attempt++ {
		if !breaker.Allow() {
			e.logger.Debug("circuit breaker rejected call", slog.String("label", label))
			if e.observer != nil {
				e.observer.ObserveCircuitRejected(label)
			}
			return attempt - 1, &RouterError{Kind: KindCircuitOpen, Msg: label}
		}

		err := op(ctx, attempt)
		if err == nil {
			breaker.RecordSuccess()
			return attempt, nil
		}
		breaker.RecordFailure()

		category := Categorize(err)
		if !e.retryable[category] {
			e.logger.Debug("non-retryable error",
				slog.String("label", label),
				slog.Int("attempt", attempt),
				slog.String("category", string(category)),
				slog.String("error", err.Error()),
			)
			return attempt, err
		}
		if attempt > retries {
			e.logger.Warn("retries exhausted",
				slog.String("label", label),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			return attempt, err
		}

		wait := sched.NextBackOff()
		if wait == backoff.Stop {
			return attempt, err
		}
		if e.observer != nil {
			e.observer.ObserveRetry(label, attempt, category)
		}
		e.logger.Info("retrying after error",
			slog.String("label", label),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("category", string(category)),
		)
		if err := e.sleep(ctx, wait); err != nil {
			return attempt, &RouterError{Kind: KindTimeout, Msg: fmt.Sprintf("retry of %s cancelled", label), Err: err}
		}
	}
}

// Execute is the typed form of Executor.Execute.
func Execute[T any](ctx context.Context, e *Executor, label string, op func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	return executeLimited(ctx, e, label, 0, op)
}

func executeLimited[T any](ctx context.Context, e *Executor, label string, maxAttempts int, op func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var out T
	attempts, err := e.run(ctx, label, maxAttempts, func(ctx context.Context, attempt int) error {
		v, err := op(ctx, attempt)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, attempts, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ParseRetryKind maps a case-insensitive name to a RetryKind.
func ParseRetryKind(s string) (RetryKind, error) {
	switch k := RetryKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")); k {
	case RetryNone, RetryFixed, RetryExponential:
		return k, nil
	case "exponential":
		return RetryExponential, nil
	case "":
		return RetryNone, nil
	}
	return "", StrategyConfigError("unknown retry policy %q", s)
}
