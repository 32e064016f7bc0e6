// Package notifier pushes engine events to Telegram.
package notifier

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gridbot/grid"
	"gridbot/logger"
)

// Telegram forwards selected engine events to a chat. A nil *Telegram
// is a valid disabled notifier.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New initializes the Telegram bot. Returns nil (disabled) when the
// token is missing or the API rejects it; notifications are optional.
func New(token string, chatID int64) *Telegram {
	if token == "" || chatID == 0 {
		logger.Info("Telegram notifications disabled (no token or chat id)")
		return nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Warnf("⚠️ Failed to init Telegram bot, notifications disabled: %v", err)
		return nil
	}

	logger.Infof("✅ Telegram notifier authorized on account %s", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: chatID}
}

// Run consumes engine events until the channel closes. Call in a
// goroutine.
func (t *Telegram) Run(events <-chan grid.Event) {
	if t == nil {
		for range events {
		}
		return
	}
	for evt := range events {
		if msg := format(evt); msg != "" {
			t.send(msg)
		}
	}
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		logger.Warnf("Failed to send Telegram message: %v", err)
	}
}

// format renders an event as a chat message; the noisy per-tick events
// return "".
func format(evt grid.Event) string {
	switch evt.Type {
	case grid.EventGridCreated:
		return fmt.Sprintf("📈 Grid created for %s (%v) anchor %v, %v levels",
			evt.Pair, evt.Payload["direction"], evt.Payload["anchor"], evt.Payload["levels"])
	case grid.EventGridCompleted:
		return fmt.Sprintf("✅ Grid %s on %s completed (%v): pnl %v",
			evt.GridID, evt.Pair, evt.Payload["reason"], evt.Payload["realized_profit"])
	case grid.EventTrailingActivated:
		return fmt.Sprintf("🔒 Trailing stop armed on %s at %v", evt.Pair, evt.Payload["stop"])
	case grid.EventPartialTakeProfit:
		return fmt.Sprintf("💰 Partial take-profit on %s: closed %v position(s) at %v",
			evt.Pair, evt.Payload["closed"], evt.Payload["price"])
	default:
		return ""
	}
}
