package providers

import (
	"context"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func TestWithRequestID_and_GetRequestID(t *testing.T) {
	const id = "req-abc-123"
	ctx := WithRequestID(context.Background(), id)

	got := GetRequestID(ctx)
	if got != id {
		t.Errorf("GetRequestID() = %q, want %q", got, id)
	}
}

func TestGetRequestID_missing(t *testing.T) {
	got := GetRequestID(context.Background())
	if got != "" {
		t.Errorf("GetRequestID() on bare context = %q, want empty string", got)
	}
}

func TestGetRequestID_empty_string(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")

	got := GetRequestID(ctx)
	if got != "" {
		t.Errorf("GetRequestID() = %q, want empty string", got)
	}
}

func TestWithRequestID_overwrites(t *testing.T) {
	ctx := WithRequestID(context.Background(), "first")
	ctx = WithRequestID(ctx, "second")

	got := GetRequestID(ctx)
	if got != "second" {
		t.Errorf("GetRequestID() = %q, want %q", got, "second")
	}
}

func TestGetRequestID_falls_back_to_chi(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "chi-7")
	if got := GetRequestID(ctx); got != "chi-7" {
		t.Errorf("GetRequestID() = %q, want chi request id", got)
	}

	ctx = WithRequestID(ctx, "explicit")
	if got := GetRequestID(ctx); got != "explicit" {
		t.Errorf("GetRequestID() = %q, want explicit id to win", got)
	}
}
