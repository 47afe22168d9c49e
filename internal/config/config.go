// Package config loads process settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"clipwatch/internal/pipeline"
)

// Config holds every setting the server reads at startup.
type Config struct {
	DBPath        string
	UploadDir     string
	ModelEndpoint string // empty selects the local motion model
	ModelTimeout  time.Duration
	LabelsFile    string
	FFmpegPath    string

	TargetFPS    float64
	DelayHorizon int
	Warmup       int
	Model        pipeline.ModelConfig

	OutputWidth  int
	OutputHeight int
	JPEGQuality  int

	MetricsInterval time.Duration

	Auth     AuthConfig
	Telegram TelegramConfig
}

// AuthConfig configures login and bearer tokens for the control API.
type AuthConfig struct {
	Enabled   bool
	Username  string
	Password  string // plaintext or bcrypt hash
	JWTSecret string // random per process when empty
	JWTExpiry time.Duration
}

// TelegramConfig configures label alerts.
type TelegramConfig struct {
	Enabled  bool
	BotToken string
	ChatID   string
	Cooldown time.Duration
}

// Load reads the environment. Unset keys fall back to defaults; malformed
// values are reported as errors.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:        getenv("CLIPWATCH_DB_PATH", "clipwatch.db"),
		UploadDir:     getenv("CLIPWATCH_UPLOAD_DIR", os.TempDir()),
		ModelEndpoint: os.Getenv("CLIPWATCH_MODEL_ENDPOINT"),
		LabelsFile:    os.Getenv("CLIPWATCH_LABELS_FILE"),
		FFmpegPath:    getenv("CLIPWATCH_FFMPEG", "ffmpeg"),
		Auth: AuthConfig{
			Enabled:   os.Getenv("AUTH_ENABLED") == "true",
			Username:  getenv("AUTH_USERNAME", "admin"),
			Password:  os.Getenv("AUTH_PASSWORD"),
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Telegram: TelegramConfig{
			Enabled:  os.Getenv("TELEGRAM_ENABLED") == "true",
			BotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			ChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		},
	}

	var err error
	if cfg.TargetFPS, err = floatEnv("CLIPWATCH_TARGET_FPS", pipeline.DefaultTargetFPS); err != nil {
		return nil, err
	}
	if cfg.Model.ClipSize, err = intEnv("CLIPWATCH_CLIP_SIZE", 32); err != nil {
		return nil, err
	}
	if cfg.Model.Memory, err = intEnv("CLIPWATCH_MEMORY", 3); err != nil {
		return nil, err
	}
	if cfg.Model.Threshold, err = intEnv("CLIPWATCH_THRESHOLD", 70); err != nil {
		return nil, err
	}
	if cfg.DelayHorizon, err = intEnv("CLIPWATCH_DELAY_HORIZON", pipeline.DefaultDelayHorizon); err != nil {
		return nil, err
	}
	if cfg.Warmup, err = intEnv("CLIPWATCH_WARMUP", 1); err != nil {
		return nil, err
	}
	if cfg.OutputWidth, err = intEnv("CLIPWATCH_OUTPUT_WIDTH", 0); err != nil {
		return nil, err
	}
	if cfg.OutputHeight, err = intEnv("CLIPWATCH_OUTPUT_HEIGHT", 0); err != nil {
		return nil, err
	}
	if cfg.JPEGQuality, err = intEnv("CLIPWATCH_JPEG_QUALITY", 85); err != nil {
		return nil, err
	}
	if cfg.ModelTimeout, err = durationEnv("CLIPWATCH_MODEL_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MetricsInterval, err = durationEnv("CLIPWATCH_METRICS_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.Auth.JWTExpiry, err = durationEnv("JWT_EXPIRY", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Telegram.Cooldown, err = durationEnv("TELEGRAM_COOLDOWN", 30*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.TargetFPS <= 0 {
		return fmt.Errorf("CLIPWATCH_TARGET_FPS must be > 0, got %v", c.TargetFPS)
	}
	if c.DelayHorizon <= 0 {
		return fmt.Errorf("CLIPWATCH_DELAY_HORIZON must be > 0, got %d", c.DelayHorizon)
	}
	if c.Warmup <= 0 {
		return fmt.Errorf("CLIPWATCH_WARMUP must be > 0, got %d", c.Warmup)
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		return fmt.Errorf("AUTH_PASSWORD is required when AUTH_ENABLED=true")
	}
	return c.Model.Validate()
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
