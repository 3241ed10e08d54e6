package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapEnv(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(mapEnv(nil))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, defaultAllowedOrigins, cfg.AllowedOrigins)
	assert.Equal(t, 500, cfg.MaxHistory)
	assert.Equal(t, 256, cfg.MaxRetainedRuns)
	assert.Equal(t, 15*time.Second, cfg.SSEKeepalive)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
}

func TestLoadConfigReadsEnvironment(t *testing.T) {
	cfg, err := LoadConfig(mapEnv(map[string]string{
		"COUNSEL_PORT":                  "9000",
		"COUNSEL_ENV":                   "Production",
		"COUNSEL_CORS_ORIGINS":          "https://a.example, https://b.example;https://a.example",
		"COUNSEL_EVENT_HISTORY_MAX":     "32",
		"COUNSEL_MAX_RETAINED_RUNS":     "4",
		"COUNSEL_SSE_KEEPALIVE_SECONDS": "5",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 32, cfg.MaxHistory)
	assert.Equal(t, 4, cfg.MaxRetainedRuns)
	assert.Equal(t, 5*time.Second, cfg.SSEKeepalive)
}

func TestLoadConfigRejectsInvalidNumbers(t *testing.T) {
	cases := map[string]map[string]string{
		"non-numeric history":  {"COUNSEL_EVENT_HISTORY_MAX": "lots"},
		"zero retained runs":   {"COUNSEL_MAX_RETAINED_RUNS": "0"},
		"negative keepalive":   {"COUNSEL_SSE_KEEPALIVE_SECONDS": "-3"},
		"non-numeric capacity": {"COUNSEL_MAX_RETAINED_RUNS": "many"},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(mapEnv(env))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigIgnoresBlankValues(t *testing.T) {
	cfg, err := LoadConfig(mapEnv(map[string]string{
		"COUNSEL_PORT":              "  ",
		"COUNSEL_ENV":               "",
		"COUNSEL_EVENT_HISTORY_MAX": " ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 500, cfg.MaxHistory)
}

func TestParseAllowedOriginsEmptyDisablesAll(t *testing.T) {
	cfg, err := LoadConfig(mapEnv(map[string]string{
		"COUNSEL_CORS_ORIGINS": "",
	}))
	require.NoError(t, err)
	assert.Empty(t, cfg.AllowedOrigins)
}
