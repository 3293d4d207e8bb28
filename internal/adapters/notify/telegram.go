package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// sender es el subset de BotAPI que se usa.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram envía fills, flash moves, halts y reportes a un chat.
// Los flash moves de un mismo instrumento se silencian durante cooldown.
type Telegram struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	cooldown       time.Duration

	mu        sync.Mutex
	lastFlash map[string]time.Time
	now       func() time.Time
}

// NewTelegram conecta con la Bot API (NewBotAPI valida el token con getMe).
func NewTelegram(token, chatID string, cooldown time.Duration) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify.NewTelegram: %w", err)
	}
	return newTelegram(bot, chatID, cooldown)
}

func newTelegram(bot sender, chatID string, cooldown time.Duration) (*Telegram, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("notify.NewTelegram: invalid chat id: %w", err)
	}
	return &Telegram{
		bot:            bot,
		chatID:         id,
		maxRetries:     3,
		retryDelayBase: time.Second,
		cooldown:       cooldown,
		lastFlash:      make(map[string]time.Time),
		now:            time.Now,
	}, nil
}

func (t *Telegram) NotifyFill(ctx context.Context, r domain.OrderResult) error {
	icon := "🟢"
	if r.Side == domain.SideSell {
		icon = "🔴"
	}
	text := fmt.Sprintf("%s *%s %s* %s\n%s shares @ %s \\= *%s*\n`%s`",
		icon,
		escapeMarkdownV2(r.UserID),
		escapeMarkdownV2(string(r.Side)),
		escapeMarkdownV2(string(r.Type)),
		escapeMarkdownV2(fmt.Sprintf("%.2f", r.FilledShares)),
		escapeMarkdownV2(fmt.Sprintf("%.4f", r.FilledPrice)),
		escapeMarkdownV2(fmt.Sprintf("$%.2f", r.FilledUSD())),
		escapeMarkdownV2(shortID(r.InstrumentID)),
	)
	return t.sendMarkdownV2(ctx, text)
}

func (t *Telegram) NotifyFlash(ctx context.Context, ev domain.FlashMoveEvent) error {
	t.mu.Lock()
	now := t.now()
	if last, ok := t.lastFlash[ev.InstrumentID]; ok && now.Sub(last) < t.cooldown {
		t.mu.Unlock()
		return nil
	}
	t.lastFlash[ev.InstrumentID] = now
	t.mu.Unlock()

	emoji := "📈"
	if ev.Direction() == domain.SideSell {
		emoji = "📉"
	}
	text := fmt.Sprintf("%s *Flash move* `%s`\n%s → %s \\(%s, conf %s\\)",
		emoji,
		escapeMarkdownV2(shortID(ev.InstrumentID)),
		escapeMarkdownV2(fmt.Sprintf("%.1f%%", ev.OldPrice*100)),
		escapeMarkdownV2(fmt.Sprintf("%.1f%%", ev.NewPrice*100)),
		escapeMarkdownV2(fmt.Sprintf("%+.1f%%", ev.Velocity*100)),
		escapeMarkdownV2(fmt.Sprintf("%.2f", ev.Confidence)),
	)
	return t.sendMarkdownV2(ctx, text)
}

func (t *Telegram) NotifyHalt(ctx context.Context, userID, reason string) error {
	text := fmt.Sprintf("⚠️ *Bot halted* %s\n`%s`", escapeMarkdownV2(userID), escapeMarkdownV2(reason))
	return t.sendMarkdownV2(ctx, text)
}

// Report manda una línea por usuario.
func (t *Telegram) Report(ctx context.Context, stats []domain.BotStats) error {
	if len(stats) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("📊 *Report*\n")
	for _, s := range stats {
		state := ""
		if s.Halted {
			state = " ⛔"
		}
		fmt.Fprintf(&b, "%s%s: %s fills, vol %s, pnl %s\n",
			escapeMarkdownV2(s.UserID), state,
			escapeMarkdownV2(fmt.Sprintf("%d/%d", s.OrdersFilled, s.OrdersSubmitted)),
			escapeMarkdownV2(fmt.Sprintf("$%.2f", s.VolumeUSD)),
			escapeMarkdownV2(signedUSD(s.RealizedPnL)),
		)
	}
	return t.sendMarkdownV2(ctx, b.String())
}

// sendMarkdownV2 envía con reintentos de backoff lineal.
func (t *Telegram) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < t.maxRetries; i++ {
		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("notify.telegram: failed after %d retries: %w", t.maxRetries, lastErr)
}

// escapeMarkdownV2 escapa los caracteres especiales de MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, r := range text {
		switch r {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
