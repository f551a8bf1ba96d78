package notify

// telegram.go — Optional Telegram mirror for the alerts that matter:
// whale promotions, copy opens/closes, kill-switch engagement and the
// final report. Configured purely from the environment; missing vars
// disable it silently. Sends are fire-and-forget and never sit on the
// trade path.

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/adrianvm/whalebot/internal/domain"
)

const telegramSendTimeout = 10 * time.Second

// Telegram implements ports.Notifier over a Telegram bot chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	mode   domain.Mode
}

// NewTelegramFromEnv builds the notifier from TELEGRAM_BOT_TOKEN and
// TELEGRAM_CHAT_ID. Returns nil when either is missing or the token
// does not authenticate; callers skip a nil *Telegram before wrapping
// it in the Notifier interface.
func NewTelegramFromEnv(mode domain.Mode) *Telegram {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chat := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chat == "" {
		return nil
	}

	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		slog.Warn("telegram disabled: bad TELEGRAM_CHAT_ID", "err", err)
		return nil
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: telegramSendTimeout})
	if err != nil {
		slog.Warn("telegram disabled: auth failed", "err", err)
		return nil
	}

	slog.Info("telegram notifier enabled", "account", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: chatID, mode: mode}
}

// send dispatches in the background; a failure is only logged.
func (t *Telegram) send(text string) {
	go func() {
		msg := tgbotapi.NewMessage(t.chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.bot.Send(msg); err != nil {
			slog.Warn("telegram send failed", "err", err)
		}
	}()
}

// WhaleEvent mirrors promotions only; the rest is console noise.
func (t *Telegram) WhaleEvent(_ context.Context, ev domain.WhaleEvent) {
	if ev.Type != domain.WhaleEventRanked {
		return
	}
	t.send(fmt.Sprintf("🐋 *Whale #%d* `%s`\nNow copying its trades.", ev.Rank, shortAddr(ev.Address)))
}

func (t *Telegram) TradeOpened(_ context.Context, tr domain.CopyTrade) {
	t.send(fmt.Sprintf("📈 *%s OPEN* %s $%s @ %s\n`%s` copying `%s`",
		strings.ToUpper(string(t.mode)), tr.Side, tr.SizeUSD.StringFixed(2), tr.EntryPrice.String(),
		shortMarket(tr.Market), shortAddr(tr.Whale)))
}

func (t *Telegram) TradeClosed(_ context.Context, tr domain.CopyTrade) {
	icon := "🔴"
	if tr.IsWin() {
		icon = "🟢"
	}
	t.send(fmt.Sprintf("%s *CLOSE* %s net %s\n`%s`", icon, tr.Side, signedUSD(tr.NetPnL), shortMarket(tr.Market)))
}

// RiskAlert mirrors critical events only — the kill switch and its
// triggers. Plain denials stay on the console.
func (t *Telegram) RiskAlert(_ context.Context, ev domain.RiskEvent) {
	if ev.Severity != domain.RiskCritical {
		return
	}
	t.send(fmt.Sprintf("🚨 *%s* %s: %s", ev.Severity, ev.Kind, ev.Reason))
}

// Status is console-only; mirroring it hourly would just be noise.
func (t *Telegram) Status(context.Context, domain.MetricsReport) {}

func (t *Telegram) Final(_ context.Context, r domain.FinalReport) {
	m := r.Metrics
	t.send(fmt.Sprintf("🏁 *%s run finished* (%.1fh)\nCapital $%s | net %s | win rate %.1f%%\nGate: *%s*",
		strings.ToUpper(string(r.Mode)), r.Runtime().Hours(),
		m.Bankroll.TotalCapital.StringFixed(2), signedUSD(m.RealizedPnL), m.WinRate*100,
		r.Gate.Recommendation))
}
