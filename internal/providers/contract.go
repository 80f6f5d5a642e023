package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jordanhubbard/modelrouter/internal/router"
)

// StatusError captures an HTTP status code from a provider response.
// Classify turns it into a router.ConnectorError.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. Unparseable values leave RetryAfterSecs at zero.
func (e *StatusError) ParseRetryAfter(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		e.RetryAfterSecs = n
		return
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			e.RetryAfterSecs = int(d.Round(time.Second) / time.Second)
		}
	}
}

// StatusCategory maps an HTTP status onto the retry categories.
func StatusCategory(code int) router.ErrorCategory {
	switch {
	case code == http.StatusTooManyRequests:
		return router.CategoryRateLimit
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return router.CategoryAuthentication
	case code == http.StatusNotFound:
		return router.CategoryModelNotFound
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return router.CategoryTimeout
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity, code == http.StatusRequestEntityTooLarge:
		return router.CategoryInvalidRequest
	case code == http.StatusNotImplemented:
		return router.CategoryUnsupported
	case code >= 500:
		return router.CategoryServer
	}
	return router.CategoryOther
}

// Classify wraps err from a provider call in a router.ConnectorError so the
// retry executor can decide without string matching. Nil stays nil and
// errors that are already classified pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *router.ConnectorError
	if errors.As(err, &ce) {
		return err
	}

	out := &router.ConnectorError{Category: router.CategoryOther, Err: err}
	var se *StatusError
	var netErr net.Error
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &se):
		out.Category = StatusCategory(se.StatusCode)
		out.StatusCode = se.StatusCode
		out.RetryAfter = time.Duration(se.RetryAfterSecs) * time.Second
		if strings.Contains(se.Body, "context_length_exceeded") {
			out.Category = router.CategoryInvalidRequest
		}
	case errors.Is(err, context.DeadlineExceeded):
		out.Category = router.CategoryTimeout
	case errors.Is(err, context.Canceled):
		out.Category = router.CategoryOther
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			out.Category = router.CategoryTimeout
		} else {
			out.Category = router.CategoryNetwork
		}
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		out.Category = router.CategoryParsing
	}
	return out
}
