package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "mongo", cfg.Store.Driver)
	assert.Equal(t, 256, cfg.Directions.CacheSize)
	assert.Equal(t, time.Minute, cfg.Directions.DegradedTTL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE", "memory")
	t.Setenv("JWT_EXPIRY", "2h")
	t.Setenv("DIRECTIONS_SEGMENT_TIMEOUT", "3s")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 2*time.Hour, cfg.Auth.TokenExpiry)
	assert.Equal(t, 3*time.Second, cfg.Directions.SegmentTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_YAMLOverlayThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	yml := `
server:
  port: 7000
store:
  driver: backend
  backendURL: http://backend.local/api
directions:
  vehicle: bus
  degradedTTL: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, "backend", cfg.Store.Driver)
	assert.Equal(t, "http://backend.local/api", cfg.Store.BackendURL)
	assert.Equal(t, "bus", cfg.Directions.Vehicle)
	assert.Equal(t, 30*time.Second, cfg.Directions.DegradedTTL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"PORT": "abc"}},
		{"bad duration", map[string]string{"JWT_EXPIRY": "soon"}},
		{"unknown store", map[string]string{"STORE": "postgres"}},
		{"backend without url", map[string]string{"STORE": "backend"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"missing config file", map[string]string{"CONFIG_FILE": "/does/not/exist.yml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("HUB_MAX_RETRIES", "3")
	t.Setenv("HUB_INITIAL_BACKOFF", "100ms")
	t.Setenv("HUB_MAX_BACKOFF", "1s")

	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.HubURL)

	t.Setenv("HUB_MAX_BACKOFF", "10ms")
	_, err = LoadClient()
	assert.Error(t, err)
}

func TestLoadClient_Backend(t *testing.T) {
	t.Setenv("BACKEND_URL", "http://backend.internal:9000")
	t.Setenv("DIRECTIONS_VEHICLE", "bike")

	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "http://backend.internal:9000", cfg.BackendURL)
	assert.Equal(t, "bike", cfg.Vehicle)

	t.Setenv("BACKEND_URL", "not a url")
	_, err = LoadClient()
	assert.Error(t, err)
}
