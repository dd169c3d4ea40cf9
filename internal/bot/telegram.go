// Package bot provides the optional Telegram surface: push alerts for
// copied trades and closes, plus a few read/control commands.
package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polycopy/internal/ledger"
)

// Controller is the slice of the engine the bot drives. Kept as an
// interface so the bot package stays below the engine in the import graph.
type Controller interface {
	Running() bool
	Toggle() bool
	CloseAll() int
	Balance() float64
	OpenPositions() []ledger.Position
}

// Bot handles Telegram interactions for the copy trader.
type Bot struct {
	api    *tgbotapi.BotAPI
	chatID int64
	ctl    Controller
	stopCh chan struct{}
}

// New connects to Telegram. Returns nil without error when token is empty,
// the notifier is strictly optional.
func New(token string, chatID int64, ctl Controller) (*Bot, error) {
	if token == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	return &Bot{
		api:    api,
		chatID: chatID,
		ctl:    ctl,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins the command listener.
func (b *Bot) Start() {
	go b.listenForCommands()

	if b.chatID != 0 {
		b.sendText(b.chatID, "🚀 Copy trader online. /status for the account, /help for commands.")
	}
}

// Stop stops the bot.
func (b *Bot) Stop() {
	close(b.stopCh)
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go b.handleMessage(update.Message)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !msg.IsCommand() {
		return
	}

	log.Debug().Int64("chat_id", chatID).Str("cmd", msg.Command()).Msg("Received command")

	switch msg.Command() {
	case "start", "help":
		b.cmdHelp(chatID)
	case "status":
		b.cmdStatus(chatID)
	case "positions":
		b.cmdPositions(chatID)
	case "toggle":
		if b.ctl.Toggle() {
			b.sendText(chatID, "▶️ Replication resumed")
		} else {
			b.sendText(chatID, "⏸️ Replication paused")
		}
	case "closeall":
		n := b.ctl.CloseAll()
		b.sendText(chatID, fmt.Sprintf("🧹 Close requested for %d position(s)", n))
	default:
		b.sendText(chatID, "❓ Unknown command. Use /help for available commands.")
	}
}

func (b *Bot) cmdHelp(chatID int64) {
	b.sendText(chatID, `📋 Commands:
/status - account summary
/positions - open paper positions
/toggle - pause or resume replication
/closeall - close every open position`)
}

func (b *Bot) cmdStatus(chatID int64) {
	state := "⏸️ paused"
	if b.ctl.Running() {
		state = "▶️ running"
	}
	positions := b.ctl.OpenPositions()
	var unrealized float64
	for _, p := range positions {
		unrealized += p.UnrealizedPnL
	}
	b.sendText(chatID, fmt.Sprintf("%s\n💰 Balance: $%.2f\n📊 Open positions: %d\n📈 Unrealized PnL: $%.2f",
		state, b.ctl.Balance(), len(positions), unrealized))
}

func (b *Bot) cmdPositions(chatID int64) {
	positions := b.ctl.OpenPositions()
	if len(positions) == 0 {
		b.sendText(chatID, "No open positions")
		return
	}
	text := "📊 Open positions:\n"
	for _, p := range positions {
		text += fmt.Sprintf("• %s %s %.1f @ %d (PnL $%.2f)\n",
			p.Side, p.MarketName, p.Size, p.EntryTick, p.UnrealizedPnL)
	}
	b.sendText(chatID, text)
}

// NotifyTrade pushes a copied-trade alert.
func (b *Bot) NotifyTrade(intent, question, side string, shares float64, tick int) {
	if b == nil || b.chatID == 0 {
		return
	}
	emoji := "🟢"
	if intent == "SELL" {
		emoji = "🔴"
	}
	b.sendText(b.chatID, fmt.Sprintf("%s %s %s %.1f shares @ %d¢\n%s",
		emoji, intent, side, shares, tick/10, question))
}

// NotifyClose pushes a position-close alert.
func (b *Bot) NotifyClose(question, trigger string, pnl float64) {
	if b == nil || b.chatID == 0 {
		return
	}
	emoji := "✅"
	if pnl < 0 {
		emoji = "❌"
	}
	b.sendText(b.chatID, fmt.Sprintf("%s Closed (%s) PnL $%.2f\n%s", emoji, trigger, pnl, question))
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Telegram send failed")
	}
}
