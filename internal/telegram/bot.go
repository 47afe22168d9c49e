package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"
)

const defaultAPIURL = "https://api.telegram.org"

// Config holds Telegram bot configuration
type Config struct {
	BotToken string
	ChatID   string
	Enabled  bool
	Cooldown time.Duration
	// APIURL overrides the Bot API base URL.
	APIURL string
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Enabled {
		if c.BotToken == "" {
			return fmt.Errorf("telegram bot token is required when enabled")
		}
		if c.ChatID == "" {
			return fmt.Errorf("telegram chat ID is required when enabled")
		}
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}
	return nil
}

// apiResponse is the envelope of every Bot API response
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// Bot sends messages and photos to one chat
type Bot struct {
	botToken   string
	chatID     string
	apiURL     string
	httpClient *http.Client

	mu       sync.Mutex
	enabled  bool
	cooldown time.Duration
	lastSent map[string]time.Time
}

// NewBot creates a new Telegram bot instance
func NewBot(cfg Config) *Bot {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	return &Bot{
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
		apiURL:     cfg.APIURL,
		enabled:    cfg.Enabled,
		cooldown:   cfg.Cooldown,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		lastSent:   make(map[string]time.Time),
	}
}

// IsEnabled returns whether the bot is enabled
func (b *Bot) IsEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// SendMessage sends a text message
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	if err := b.acquire("message"); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"chat_id":    b.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b.post(ctx, "sendMessage", "application/json", bytes.NewReader(payload))
}

// SendPhoto sends a JPEG with an optional caption
func (b *Bot) SendPhoto(ctx context.Context, photo []byte, caption string) error {
	if err := b.acquire("photo"); err != nil {
		return err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("chat_id", b.chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := w.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}
	part, err := w.CreateFormFile("photo", "frame.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return b.post(ctx, "sendPhoto", w.FormDataContentType(), &body)
}

// acquire checks that sending is allowed and starts the cooldown for kind.
func (b *Bot) acquire(kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled {
		return fmt.Errorf("telegram bot is disabled")
	}
	if b.botToken == "" || b.chatID == "" {
		return fmt.Errorf("telegram bot token or chat ID not configured")
	}
	if last, ok := b.lastSent[kind]; ok && time.Since(last) < b.cooldown {
		return ErrCooldown
	}
	b.lastSent[kind] = time.Now()
	return nil
}

func (b *Bot) post(ctx context.Context, method, contentType string, body io.Reader) error {
	url := fmt.Sprintf("%s/bot%s/%s", b.apiURL, b.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	var r apiResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !r.OK {
		return fmt.Errorf("telegram API error %d: %s", r.ErrorCode, r.Description)
	}
	return nil
}
