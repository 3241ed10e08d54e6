package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"counsel/internal/server/app"
	serverhttp "counsel/internal/server/http"
)

// EnvLookup resolves one environment variable. Tests substitute a map-backed
// lookup instead of mutating the process environment.
type EnvLookup func(key string) (string, bool)

// DefaultEnvLookup reads from the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Config holds server configuration.
type Config struct {
	Port            string
	Environment     string
	AllowedOrigins  []string
	MaxHistory      int
	MaxRetainedRuns int
	SSEKeepalive    time.Duration
	ShutdownTimeout time.Duration
}

var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
}

// DefaultShutdownTimeout bounds how long in-flight runs may delay shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// LoadConfig reads server configuration from the environment.
func LoadConfig(env EnvLookup) (Config, error) {
	if env == nil {
		env = DefaultEnvLookup
	}

	cfg := Config{
		Port:            "8080",
		Environment:     "development",
		AllowedOrigins:  append([]string(nil), defaultAllowedOrigins...),
		MaxHistory:      app.DefaultMaxHistory,
		MaxRetainedRuns: app.DefaultMaxRetainedRuns,
		SSEKeepalive:    serverhttp.DefaultKeepaliveInterval,
		ShutdownTimeout: DefaultShutdownTimeout,
	}

	if port, ok := env("COUNSEL_PORT"); ok && strings.TrimSpace(port) != "" {
		cfg.Port = strings.TrimSpace(port)
	}
	if environment, ok := env("COUNSEL_ENV"); ok && strings.TrimSpace(environment) != "" {
		cfg.Environment = strings.ToLower(strings.TrimSpace(environment))
	}
	if origins, ok := env("COUNSEL_CORS_ORIGINS"); ok {
		cfg.AllowedOrigins = parseAllowedOrigins(origins)
	}

	var err error
	if cfg.MaxHistory, err = positiveIntEnv(env, "COUNSEL_EVENT_HISTORY_MAX", cfg.MaxHistory); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetainedRuns, err = positiveIntEnv(env, "COUNSEL_MAX_RETAINED_RUNS", cfg.MaxRetainedRuns); err != nil {
		return Config{}, err
	}

	keepaliveSeconds, err := positiveIntEnv(env, "COUNSEL_SSE_KEEPALIVE_SECONDS", int(cfg.SSEKeepalive/time.Second))
	if err != nil {
		return Config{}, err
	}
	cfg.SSEKeepalive = time.Duration(keepaliveSeconds) * time.Second

	return cfg, nil
}

func positiveIntEnv(env EnvLookup, key string, fallback int) (int, error) {
	raw, ok := env(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %d", key, value)
	}
	return value, nil
}

func parseAllowedOrigins(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t':
			return true
		default:
			return false
		}
	})
	origins := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		origin := strings.TrimSpace(field)
		if origin == "" {
			continue
		}
		if _, ok := seen[origin]; ok {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
