package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorKind identifies the failure class of a RouterError.
type ErrorKind string

const (
	KindNoSuitableModel ErrorKind = "no_suitable_model"
	KindRegistry        ErrorKind = "registry"
	KindConnector       ErrorKind = "connector"
	KindStrategyConfig  ErrorKind = "strategy_config"
	KindInvalidRequest  ErrorKind = "invalid_request"
	KindTimeout         ErrorKind = "timeout"
	KindFallback        ErrorKind = "fallback"
	KindCircuitOpen     ErrorKind = "circuit_open"
	KindOther           ErrorKind = "other"
)

var kindPrefix = map[ErrorKind]string{
	KindNoSuitableModel: "no suitable model found",
	KindRegistry:        "model registry error",
	KindConnector:       "model connector error",
	KindStrategyConfig:  "strategy configuration error",
	KindInvalidRequest:  "invalid request",
	KindTimeout:         "routing timeout",
	KindFallback:        "all fallbacks failed",
	KindCircuitOpen:     "circuit breaker is open",
	KindOther:           "error",
}

// RouterError is the error type returned by routing operations.
type RouterError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *RouterError) Error() string {
	prefix := kindPrefix[e.Kind]
	if prefix == "" {
		prefix = string(e.Kind)
	}
	switch {
	case e.Msg == "" && e.Err == nil:
		return prefix
	case e.Msg == "":
		return prefix + ": " + e.Err.Error()
	default:
		return prefix + ": " + e.Msg
	}
}

func (e *RouterError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error, format string, args ...any) *RouterError {
	return &RouterError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NoSuitableModelError reports that no model satisfies the request.
func NoSuitableModelError(format string, args ...any) *RouterError {
	return newError(KindNoSuitableModel, nil, format, args...)
}

// StrategyConfigError reports an invalid strategy configuration.
func StrategyConfigError(format string, args ...any) *RouterError {
	return newError(KindStrategyConfig, nil, format, args...)
}

// InvalidRequestError reports a malformed routing request.
func InvalidRequestError(format string, args ...any) *RouterError {
	return newError(KindInvalidRequest, nil, format, args...)
}

// ErrCircuitOpen is returned by the executor when a breaker rejects a call.
var ErrCircuitOpen = &RouterError{Kind: KindCircuitOpen}

// ErrorKindOf returns the kind of the first RouterError in err's chain, or
// KindOther when there is none.
func ErrorKindOf(err error) ErrorKind {
	var re *RouterError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindOther
}

// IsKind reports whether err's chain contains a RouterError of kind.
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		var re *RouterError
		if !errors.As(err, &re) {
			return false
		}
		if re.Kind == kind {
			return true
		}
		err = re.Err
	}
	return false
}

// ErrorCategory classifies failures for retry decisions.
type ErrorCategory string

const (
	CategoryNetwork        ErrorCategory = "network"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryServer         ErrorCategory = "server"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryInvalidRequest ErrorCategory = "invalid_request"
	CategoryModelNotFound  ErrorCategory = "model_not_found"
	CategoryParsing        ErrorCategory = "parsing"
	CategoryUnsupported    ErrorCategory = "unsupported"
	CategoryOther          ErrorCategory = "other"
)

// DefaultRetryableCategories are the categories retried when the router
// config does not override them.
func DefaultRetryableCategories() []ErrorCategory {
	return []ErrorCategory{CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryServer}
}

// ConnectorError is returned by ModelConnector implementations.
type ConnectorError struct {
	Category   ErrorCategory
	Msg        string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ConnectorError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s error: %s", e.Category, msg)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// Categorize maps err to an ErrorCategory. Typed errors are inspected first;
// anything else falls back to message heuristics.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return CategoryOther
	}

	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.Category
	}

	var re *RouterError
	if errors.As(err, &re) {
		switch re.Kind {
		case KindNoSuitableModel:
			return CategoryModelNotFound
		case KindRegistry:
			return CategoryServer
		case KindStrategyConfig, KindInvalidRequest:
			return CategoryInvalidRequest
		case KindTimeout:
			return CategoryTimeout
		case KindConnector:
			return categorizeMessage(re.Error())
		default:
			return CategoryOther
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	return categorizeMessage(err.Error())
}

func categorizeMessage(msg string) ErrorCategory {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return CategoryTimeout
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection"):
		return CategoryNetwork
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "unauthorized"):
		return CategoryAuthentication
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return CategoryRateLimit
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "bad request"):
		return CategoryInvalidRequest
	case strings.Contains(msg, "server error") || strings.Contains(msg, "internal error"):
		return CategoryServer
	default:
		return CategoryOther
	}
}

// IsBackendFault reports whether err, returned by a connector called under
// ctx, says something about the backend's health. Rejected requests, bad
// credentials and caller cancellation do not.
func IsBackendFault(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Categorize(err) {
	case CategoryNetwork, CategoryServer, CategoryRateLimit, CategoryTimeout:
		return true
	}
	return false
}
