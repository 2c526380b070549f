package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"liq_engine/internal/engine"
	"liq_engine/internal/models"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Controller: то, чем оператор управляет из чата.
type Controller interface {
	Status() engine.Status
	Acknowledge(ctx context.Context, operator string) bool
	Reconcile(ctx context.Context, trigger models.ReconcileTrigger) (models.ReconciliationReport, error)
}

// Operator принимает команды /status, /ack, /reconcile из одного чата.
type Operator struct {
	bot    *tgbot.BotAPI
	chatID int64
	ctl    Controller
	log    *zap.Logger
	send   func(text string) error

	cancel context.CancelFunc
	done   chan struct{}
}

func NewOperator(bot *tgbot.BotAPI, chatID int64, ctl Controller, log *zap.Logger) *Operator {
	o := &Operator{
		bot:    bot,
		chatID: chatID,
		ctl:    ctl,
		log:    log.Named("operator"),
	}
	o.send = func(text string) error {
		_, err := o.bot.Send(tgbot.NewMessage(o.chatID, text))
		return err
	}
	return o
}

func (o *Operator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	updates := o.bot.GetUpdatesChan(u)

	go func() {
		defer close(o.done)
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				o.handleUpdate(ctx, upd)
			}
		}
	}()
}

func (o *Operator) Stop() {
	if o.cancel == nil {
		return
	}
	o.bot.StopReceivingUpdates()
	o.cancel()
	<-o.done
}

func (o *Operator) handleUpdate(ctx context.Context, update tgbot.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	from := ""
	if msg.From != nil {
		from = msg.From.UserName
	}
	reply, ok := o.Handle(ctx, msg.Chat.ID, msg.Command(), from)
	if !ok {
		return
	}
	if err := o.send(reply); err != nil {
		o.log.Warn("reply failed", zap.Error(err))
	}
}

// Handle выполняет команду и возвращает ответ. Чужие чаты игнорируются.
func (o *Operator) Handle(ctx context.Context, chatID int64, command, from string) (string, bool) {
	if chatID != o.chatID {
		o.log.Warn("command from unknown chat ignored", zap.Int64("chat_id", chatID), zap.String("command", command))
		return "", false
	}
	operator := "telegram"
	if from != "" {
		operator += ":" + from
	}

	switch command {
	case "status":
		return FormatStatus(o.ctl.Status()), true
	case "ack":
		if o.ctl.Acknowledge(ctx, operator) {
			return "✅ SAFE_MODE снят", true
		}
		return "SAFE_MODE не активен", true
	case "reconcile":
		rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		r, err := o.ctl.Reconcile(rctx, models.TriggerManual)
		if err != nil {
			return fmt.Sprintf("❗️ сверка %s: %v", r.Status, err), true
		}
		return FormatReport(r), true
	case "help", "start":
		return "/status - состояние ядра\n/reconcile - внеочередная сверка\n/ack - снять SAFE_MODE", true
	}
	return "неизвестная команда, см. /help", true
}

func FormatStatus(s engine.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s", s.State)
	if s.SafeMode {
		fmt.Fprintf(&b, "\n🚨 SAFE_MODE: %s", s.SafeReason)
	}
	p := s.Position
	if p.HasExposure() {
		fmt.Fprintf(&b, "\n%s %.4f @ %.2f (решение %s)", p.Side, p.Size, p.EntryPrice, p.DecisionID)
		fmt.Fprintf(&b, "\nSL %.2f", p.SL)
		if p.TP1 > 0 {
			fmt.Fprintf(&b, " · TP1 %.2f", p.TP1)
		}
		if p.TP2 > 0 {
			fmt.Fprintf(&b, " · TP2 %.2f", p.TP2)
		}
		if p.TP1Hit {
			b.WriteString(" · TP1 ✅")
		}
	}
	for _, o := range s.LiveOrders {
		fmt.Fprintf(&b, "\n• %s %s %s %.4f @ %.2f", o.Role, o.Side, o.Type, o.Remaining(), o.TriggerPrice())
	}
	if !s.LastReconcile.IsZero() {
		fmt.Fprintf(&b, "\nсверка: %s", s.LastReconcile.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func FormatReport(r models.ReconciliationReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔎 сверка %s: %s, находок %d", r.RunID, r.Status, len(r.Findings))
	for _, f := range r.Findings {
		mark := "❌"
		if f.Repaired {
			mark = "✅"
		}
		fmt.Fprintf(&b, "\n%s [%s] %s: %s", mark, f.Level, f.Kind, f.Detail)
	}
	return b.String()
}
