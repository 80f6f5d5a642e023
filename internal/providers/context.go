package providers

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
)

type requestIDKeyType struct{}

var RequestIDKey = requestIDKeyType{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID extracts the request ID from context. An explicit ID wins over
// the one chi's RequestID middleware assigned to the inbound request.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return middleware.GetReqID(ctx)
}
