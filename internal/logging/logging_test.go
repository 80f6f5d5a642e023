package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newBufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(&RedactingHandler{base: slog.NewJSONHandler(&buf, nil)}), &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output as JSON: %v\nOutput: %s", err, buf.String())
	}
	return entry
}

func TestRedactingHandler_SensitiveKeys(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"authorization", "Bearer sk-secret"},
		{"Authorization", "Bearer sk-upper"},
		{"x-api-key", "my-key"},
		{"x-admin-token", "admin-tok"},
		{"proxy-authorization", "Basic abc"},
		{"cookie", "session=xyz"},
		{"set-cookie", "id=1"},
		{"api_key", "sk-123"},
		{"refresh_token", "rt-1"},
		{"client_secret", "cs-1"},
		{"db_password", "hunter2"},
		{"body", `{"messages":[]}`},
		{"request_body", "raw"},
		{"content", "tell me a secret"},
		{"messages", "[user: hi]"},
		{"prompt", "write a poem"},
		{"completion", "roses are red"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			logger, buf := newBufferLogger()
			logger.Info("test", slog.String(tt.key, tt.value))
			if strings.Contains(buf.String(), tt.value) {
				t.Errorf("%s value leaked: %s", tt.key, buf.String())
			}
			if decodeLine(t, buf)[tt.key] != "[REDACTED]" {
				t.Errorf("%s should be replaced by [REDACTED]", tt.key)
			}
		})
	}
}

func TestRedactingHandler_PreservesRoutingFields(t *testing.T) {
	logger, buf := newBufferLogger()
	logger.Info("model selected",
		slog.String("model", "gpt-4o"),
		slog.String("strategy", "priority"),
		slog.Int("attempts", 2),
		slog.String("request_id", "req-1"),
	)
	entry := decodeLine(t, buf)
	if entry["model"] != "gpt-4o" || entry["strategy"] != "priority" || entry["attempts"] != float64(2) || entry["request_id"] != "req-1" {
		t.Errorf("routing fields should pass through: %v", entry)
	}
}

func TestRedactingHandler_Groups(t *testing.T) {
	logger, buf := newBufferLogger()
	logger.Info("request",
		slog.Group("req", slog.String("model", "m"), slog.String("content", "private")),
	)
	if strings.Contains(buf.String(), "private") {
		t.Errorf("grouped content leaked: %s", buf.String())
	}
	req, _ := decodeLine(t, buf)["req"].(map[string]any)
	if req["model"] != "m" {
		t.Errorf("grouped routing field lost: %v", req)
	}
}

func TestRedactingHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&RedactingHandler{base: slog.NewJSONHandler(&buf, nil)})

	logger.With(slog.String("api_key", "sk-with"), slog.String("component", "router")).
		WithGroup("g").
		Info("msg", slog.String("token", "tok-inner"))

	out := buf.String()
	if strings.Contains(out, "sk-with") || strings.Contains(out, "tok-inner") {
		t.Errorf("secrets leaked through With/WithGroup: %s", out)
	}
	if !strings.Contains(out, "router") {
		t.Error("non-sensitive With attr should survive")
	}
}

func TestRedactingHandlerEnabled(t *testing.T) {
	base := slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	h := &RedactingHandler{base: base}
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}

func TestNewAndSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "WARN")
	defer SetLevel("info")

	logger.Info("hidden")
	logger.Warn("shown", slog.String("api_key", "sk-x"))
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("level not applied: %s", out)
	}
	if strings.Contains(out, "sk-x") {
		t.Error("New should return a redacting logger")
	}

	buf.Reset()
	SetLevel("debug")
	logger.Debug("now-visible")
	if !strings.Contains(buf.String(), "now-visible") {
		t.Error("level change should apply to existing loggers")
	}

	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "warn": slog.LevelWarn, "error": slog.LevelError,
		"info": slog.LevelInfo, "bogus": slog.LevelInfo, "": slog.LevelInfo,
	} {
		SetLevel(level)
		if globalLevel.Level() != want {
			t.Errorf("SetLevel(%q) = %v, want %v", level, globalLevel.Level(), want)
		}
	}
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		path      string
		status    int
		requestID string
		wantLevel string
	}{
		{"get ok", http.MethodGet, "/v1/router/metrics", http.StatusOK, "", "INFO"},
		{"post created", http.MethodPost, "/admin/v1/models", http.StatusCreated, "req-test-12345", "INFO"},
		{"server error", http.MethodPost, "/v1/chat/completions", http.StatusBadGateway, "", "WARN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferLogger()
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{"messages":[{"content":"secret prompt"}]}`))
			if tt.requestID != "" {
				req.Header.Set("X-Request-ID", tt.requestID)
			}
			req.Header.Set("Authorization", "Bearer sk-never-logged")
			RequestLogger(logger)(inner).ServeHTTP(httptest.NewRecorder(), req)

			if strings.Contains(buf.String(), "secret prompt") || strings.Contains(buf.String(), "sk-never-logged") {
				t.Fatalf("request content leaked: %s", buf.String())
			}
			entry := decodeLine(t, buf)
			if entry["msg"] != "http_request" || entry["method"] != tt.method || entry["path"] != tt.path {
				t.Errorf("unexpected entry %v", entry)
			}
			if entry["status"] != float64(tt.status) {
				t.Errorf("status = %v, want %d", entry["status"], tt.status)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
			if entry["request_id"] != tt.requestID {
				t.Errorf("request_id = %v, want %q", entry["request_id"], tt.requestID)
			}
			if _, ok := entry["duration"]; !ok {
				t.Error("expected duration field")
			}
		})
	}
}
