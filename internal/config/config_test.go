package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Replication.Direction, "pull")
	assert.Equal(t, cfg.Replication.Live, true)
	assert.Equal(t, cfg.Broadcast.MaxAttempts, 5)
	assert.Equal(t, cfg.Broadcast.GetBaseDelay(), 500*time.Millisecond)
	assert.Equal(t, cfg.Server.GetReadTimeout(), 15*time.Second)
	assert.Equal(t, cfg.Media.Slots, []string{"background", "lower-third", "logo", "video"})
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
replication:
  remote_base_url: "postgres://db.example:5432/"
  prefix: church
  database_name: slides
  direction: sync
broadcast:
  max_attempts: 3
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	t.Setenv("PRESENTER_BROADCAST_MAX_ATTEMPTS", "7")

	cfg, err := LoadConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Replication.RemoteEndpoint(), "postgres://db.example:5432/church-slides")
	assert.Equal(t, cfg.Replication.Bidirectional(), true)
	assert.Equal(t, cfg.Broadcast.MaxAttempts, 7)
}

func TestRemoteEndpointWithoutPrefix(t *testing.T) {
	r := ReplicationConfig{RemoteBaseURL: "memory://", DatabaseName: "songs"}
	assert.Equal(t, r.RemoteEndpoint(), "memory://songs")
}

func TestValidateRejectsUnknownDirection(t *testing.T) {
	t.Setenv("PRESENTER_REPLICATION_DIRECTION", "sideways")
	_, err := LoadConfig("")
	assert.NotEqual(t, err, nil)
}

func TestValidateRequiresCacheDirOnDesktop(t *testing.T) {
	t.Setenv("PRESENTER_MEDIA_DESKTOP", "true")
	_, err := LoadConfig("")
	assert.NotEqual(t, err, nil)
}
