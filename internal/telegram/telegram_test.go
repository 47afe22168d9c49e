package telegram

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipwatch/internal/pipeline"
)

func TestBotSendPhoto(t *testing.T) {
	var (
		mu      sync.Mutex
		path    string
		chatID  string
		caption string
		photo   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		chatID = r.FormValue("chat_id")
		caption = r.FormValue("caption")
		f, _, err := r.FormFile("photo")
		require.NoError(t, err)
		photo, _ = io.ReadAll(f)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	bot := NewBot(Config{BotToken: "tok", ChatID: "42", Enabled: true, APIURL: srv.URL, Cooldown: time.Hour})
	require.NoError(t, bot.SendPhoto(context.Background(), []byte("jpeg"), "hello"))

	mu.Lock()
	assert.Equal(t, "/bottok/sendPhoto", path)
	assert.Equal(t, "42", chatID)
	assert.Equal(t, "hello", caption)
	assert.Equal(t, []byte("jpeg"), photo)
	mu.Unlock()

	err := bot.SendPhoto(context.Background(), []byte("jpeg"), "again")
	assert.ErrorIs(t, err, ErrCooldown)
}

func TestBotAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"chat not found"}`))
	}))
	defer srv.Close()

	bot := NewBot(Config{BotToken: "tok", ChatID: "42", Enabled: true, APIURL: srv.URL})
	err := bot.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestBotDisabled(t *testing.T) {
	bot := NewBot(Config{BotToken: "tok", ChatID: "42"})
	assert.False(t, bot.IsEnabled())
	assert.Error(t, bot.SendMessage(context.Background(), "hi"))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Enabled: true, ChatID: "1"}.Validate())
	assert.Error(t, Config{Enabled: true, BotToken: "t"}.Validate())
	assert.Error(t, Config{Cooldown: -time.Second}.Validate())
}

type recordingSender struct {
	mu       sync.Mutex
	captions []string
}

func (s *recordingSender) SendPhoto(ctx context.Context, photo []byte, caption string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captions = append(s.captions, caption)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captions)
}

func TestAlerterSendsOnTransition(t *testing.T) {
	s := &recordingSender{}
	a := newAlerter(s, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	normal := pipeline.AnnotatedFrame{Label: pipeline.Label{ClassName: "NonViolence", Confidence: 0.9}}
	violent := pipeline.AnnotatedFrame{Label: pipeline.Label{ClassName: "Violence", Confidence: 0.8, ClassIndex: 1}}

	a.OnFrame(nil, normal)
	a.OnFrame([]byte("1"), violent)
	require.Eventually(t, func() bool { return s.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Staying in the alarming class does not alert again.
	a.OnFrame([]byte("2"), violent)
	a.OnFrame([]byte("3"), violent)

	a.OnFrame(nil, normal)
	a.OnFrame([]byte("4"), violent)
	require.Eventually(t, func() bool { return s.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	s.mu.Lock()
	assert.Contains(t, s.captions[0], "Violence")
	assert.Contains(t, s.captions[0], "80.00%")
	s.mu.Unlock()
}
