package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7788, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 0.30, cfg.AI.MatchThreshold)
	assert.True(t, cfg.RecognizeWithLiveness())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
store:
  driver: postgres
  dsn: "host=db user=facegate dbname=facegate sslmode=disable"
ai:
  match_threshold: 0.45
  recognize_with_liveness: false
telemetry:
  redis_addr: "127.0.0.1:6379"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 0.45, cfg.AI.MatchThreshold)
	assert.False(t, cfg.RecognizeWithLiveness())
	assert.Equal(t, "127.0.0.1:6379", cfg.Telemetry.RedisAddr)
	// Untouched keys keep their defaults.
	assert.Equal(t, "facegate:telemetry", cfg.Telemetry.RedisChannel)
	assert.Equal(t, "models/face_detection.onnx", cfg.AI.FaceDetection)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Store.Driver = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.AI.MatchThreshold = 1.5
	assert.Error(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
