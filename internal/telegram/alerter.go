package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"clipwatch/internal/pipeline"
)

// ErrCooldown is returned when a send is attempted before the cooldown elapsed.
var ErrCooldown = errors.New("cooldown period not yet elapsed")

// sender is the part of Bot the Alerter needs.
type sender interface {
	SendPhoto(ctx context.Context, photo []byte, caption string) error
}

// Alerter watches played-back frames and sends a photo whenever the label
// turns from the normal class (index 0) to any other class.
type Alerter struct {
	bot    sender
	logger *log.Logger

	inAlert bool
	sends   chan alert
}

type alert struct {
	frame []byte
	label pipeline.Label
	at    time.Time
}

// NewAlerter creates an alerter. Run must be started to deliver alerts.
func NewAlerter(bot *Bot, logger *log.Logger) *Alerter {
	return newAlerter(bot, logger)
}

func newAlerter(bot sender, logger *log.Logger) *Alerter {
	if logger == nil {
		logger = log.Default()
	}
	return &Alerter{
		bot:    bot,
		logger: logger,
		sends:  make(chan alert, 1),
	}
}

// OnFrame is a stream.FrameListener. It is called from the broadcaster's
// pump goroutine and never blocks on the network.
func (a *Alerter) OnFrame(frame []byte, f pipeline.AnnotatedFrame) {
	if f.EndOfStream {
		a.inAlert = false
		return
	}
	alarming := f.Label.ClassName != "" && f.Label.ClassIndex != 0
	if alarming && !a.inAlert {
		select {
		case a.sends <- alert{frame: frame, label: f.Label, at: time.Now()}:
		default:
			// An alert is still being delivered.
		}
	}
	a.inAlert = alarming
}

// Run delivers queued alerts until ctx is done.
func (a *Alerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case al := <-a.sends:
			caption := fmt.Sprintf("🚨 <b>%s</b> (%.2f%%)\n🕐 %s",
				al.label.ClassName, al.label.Score(), al.at.Format("2 Jan 2006, 15:04:05 MST"))
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := a.bot.SendPhoto(sendCtx, al.frame, caption)
			cancel()
			switch {
			case errors.Is(err, ErrCooldown):
				a.logger.Printf("[Telegram] Alert for %s suppressed by cooldown", al.label.ClassName)
			case err != nil:
				a.logger.Printf("[Telegram] Failed to send alert: %v", err)
			default:
				a.logger.Printf("[Telegram] Sent alert for %s", al.label)
			}
		}
	}
}
