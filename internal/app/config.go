package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	// PolicyFile is the YAML routing policy; empty uses the built-in defaults.
	PolicyFile string

	ProviderTimeoutSecs int

	// Provider backends.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	VLLMEndpoints []string // OpenAI-compatible servers balanced round-robin
	OllamaURL     string

	// Security & hardening.
	AdminToken  string   // empty: generated and persisted next to the database
	CORSOrigins []string // allowed CORS origins; empty = ["*"]

	// OpenTelemetry tracing.
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
	OTelSampleRatio float64
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("MODELROUTER_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("MODELROUTER_LOG_LEVEL", "info"),
		DBDSN:      getEnv("MODELROUTER_DB_DSN", "file:/data/modelrouter.sqlite"),
		PolicyFile: getEnv("MODELROUTER_POLICY_FILE", ""),

		ProviderTimeoutSecs: getEnvInt("MODELROUTER_PROVIDER_TIMEOUT_SECS", 30),

		OpenAIAPIKey:  getEnv("MODELROUTER_OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("MODELROUTER_OPENAI_BASE_URL", "https://api.openai.com"),
		VLLMEndpoints: getEnvStringSlice("MODELROUTER_VLLM_ENDPOINTS", nil),
		OllamaURL:     getEnv("MODELROUTER_OLLAMA_URL", ""),

		AdminToken:  getEnv("MODELROUTER_ADMIN_TOKEN", ""),
		CORSOrigins: getEnvStringSlice("MODELROUTER_CORS_ORIGINS", nil),

		OTelEnabled:     getEnvBool("MODELROUTER_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("MODELROUTER_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("MODELROUTER_OTEL_SERVICE_NAME", "modelrouter"),
		OTelSampleRatio: getEnvFloat("MODELROUTER_OTEL_SAMPLE_RATIO", 1),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("MODELROUTER_LISTEN_ADDR must not be empty")
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("MODELROUTER_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("MODELROUTER_OTEL_SAMPLE_RATIO must be between 0 and 1, got %f", c.OTelSampleRatio)
	}
	for _, u := range append([]string{c.OpenAIBaseURL, c.OllamaURL}, c.VLLMEndpoints...) {
		if u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("backend URL %q must start with http:// or https://", u)
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
