package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"liq_engine/internal/models"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// LogSink пишет событие в zap с уровнем, соответствующим событию.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink { return &LogSink{log: log.Named("event")} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, e models.Event) error {
	fields := []zap.Field{zap.String("category", e.Category), zap.Time("at", e.At)}
	for _, k := range sortedKeys(e.Context) {
		fields = append(fields, zap.Any(k, e.Context[k]))
	}
	switch e.Level {
	case models.LevelCritical, models.LevelError:
		s.log.Error(e.Message, append(fields, zap.String("level", string(e.Level)))...)
	case models.LevelWarning:
		s.log.Warn(e.Message, fields...)
	default:
		s.log.Info(e.Message, fields...)
	}
	return nil
}

// EventJournal: часть store.Journal, нужная синку.
type EventJournal interface {
	SaveEvent(ctx context.Context, e models.Event) error
}

// JournalSink сохраняет событие в журнал (таблица событий исполнения и риска).
type JournalSink struct {
	j EventJournal
}

func NewJournalSink(j EventJournal) *JournalSink { return &JournalSink{j: j} }

func (s *JournalSink) Name() string { return "journal" }

func (s *JournalSink) Send(ctx context.Context, e models.Event) error {
	return s.j.SaveEvent(ctx, e)
}

// Throttle: не чаще одного раза за окно на ключ.
type Throttle struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewThrottle() *Throttle {
	return &Throttle{last: make(map[string]time.Time), now: time.Now}
}

func (t *Throttle) Allow(key string, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < window {
		return false
	}
	t.last[key] = now
	return true
}

// Telegram: пассивный нотифайер в один чат. События ниже minLevel не отправляются,
// однотипные некритичные: не чаще window.
type Telegram struct {
	bot      *tgbot.BotAPI
	chatID   int64
	minLevel models.Level
	window   time.Duration
	throttle *Throttle
}

// NewTelegram: синк поверх общего бота (тот же бот принимает команды оператора).
func NewTelegram(bot *tgbot.BotAPI, chatID int64, minLevel models.Level, window time.Duration) *Telegram {
	if minLevel == "" {
		minLevel = models.LevelWarning
	}
	return &Telegram{
		bot:      bot,
		chatID:   chatID,
		minLevel: minLevel,
		window:   window,
		throttle: NewThrottle(),
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(_ context.Context, e models.Event) error {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return nil
	}
	if e.Level.Rank() < t.minLevel.Rank() {
		return nil
	}
	if e.Level != models.LevelCritical && t.window > 0 && !t.throttle.Allow(e.Category+":"+string(e.Level), t.window) {
		return nil
	}
	_, err := t.bot.Send(tgbot.NewMessage(t.chatID, FormatEvent(e)))
	return err
}

func levelEmoji(l models.Level) string {
	switch l {
	case models.LevelCritical:
		return "🚨"
	case models.LevelError:
		return "❗️"
	case models.LevelWarning:
		return "⚠️"
	}
	return "ℹ️"
}

// FormatEvent: текст сообщения для человека.
func FormatEvent(e models.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s\n%s", levelEmoji(e.Level), e.Level, e.Category, e.Message)
	for _, k := range sortedKeys(e.Context) {
		fmt.Fprintf(&b, "\n• %s: %v", k, e.Context[k])
	}
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
