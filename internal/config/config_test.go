package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"CLIPWATCH_DB_PATH", "CLIPWATCH_MODEL_ENDPOINT", "CLIPWATCH_TARGET_FPS",
		"CLIPWATCH_CLIP_SIZE", "CLIPWATCH_MEMORY", "CLIPWATCH_THRESHOLD",
		"CLIPWATCH_DELAY_HORIZON", "CLIPWATCH_WARMUP", "AUTH_ENABLED", "JWT_EXPIRY",
	} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "clipwatch.db", cfg.DBPath)
	assert.Empty(t, cfg.ModelEndpoint)
	assert.Equal(t, 30.0, cfg.TargetFPS)
	assert.Equal(t, 32, cfg.Model.ClipSize)
	assert.Equal(t, 3, cfg.Model.Memory)
	assert.Equal(t, 70, cfg.Model.Threshold)
	assert.Equal(t, 4, cfg.DelayHorizon)
	assert.Equal(t, 1, cfg.Warmup)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, "admin", cfg.Auth.Username)
	assert.Equal(t, 24*time.Hour, cfg.Auth.JWTExpiry)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CLIPWATCH_MODEL_ENDPOINT", "localhost:50051")
	t.Setenv("CLIPWATCH_TARGET_FPS", "25")
	t.Setenv("CLIPWATCH_CLIP_SIZE", "16")
	t.Setenv("CLIPWATCH_THRESHOLD", "55")
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("AUTH_PASSWORD", "secret")
	t.Setenv("JWT_EXPIRY", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:50051", cfg.ModelEndpoint)
	assert.Equal(t, 25.0, cfg.TargetFPS)
	assert.Equal(t, 16, cfg.Model.ClipSize)
	assert.Equal(t, 55, cfg.Model.Threshold)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, time.Hour, cfg.Auth.JWTExpiry)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CLIPWATCH_CLIP_SIZE", "many"},
		{"CLIPWATCH_CLIP_SIZE", "0"},
		{"CLIPWATCH_THRESHOLD", "101"},
		{"CLIPWATCH_TARGET_FPS", "-1"},
		{"CLIPWATCH_WARMUP", "0"},
		{"JWT_EXPIRY", "tomorrow"},
		{"AUTH_ENABLED", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv("AUTH_PASSWORD", "")
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
