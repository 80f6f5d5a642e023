package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/modelrouter/internal/app"
)

// portOf returns ":<port>" for an httptest server URL.
func portOf(url string) string {
	hostport := strings.TrimPrefix(url, "http://")
	return hostport[strings.LastIndex(hostport, ":"):]
}

func TestRunHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr string
	}{
		{name: "healthy", status: http.StatusOK},
		{name: "no available models", status: http.StatusServiceUnavailable, wantErr: "health check returned status 503"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/healthz", r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := runHealthCheck(portOf(srv.URL))
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunHealthCheckConnectionError(t *testing.T) {
	err := runHealthCheck(":19")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check request failed")
}

func TestHealthCheckAddr(t *testing.T) {
	t.Setenv("MODELROUTER_LISTEN_ADDR", "")
	assert.Equal(t, ":8080", healthCheckAddr())

	t.Setenv("MODELROUTER_LISTEN_ADDR", ":9191")
	assert.Equal(t, ":9191", healthCheckAddr())
}

func TestVersionDefault(t *testing.T) {
	assert.Equal(t, "dev", version)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := app.Config{
		ListenAddr:          "127.0.0.1:0",
		LogLevel:            "error",
		DBDSN:               "file:" + filepath.Join(t.TempDir(), "modelrouter.sqlite"),
		ProviderTimeoutSecs: 5,
		AdminToken:          "test-token",
		OTelSampleRatio:     1,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
