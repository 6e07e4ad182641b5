package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/dp-orchestrator/internal/agentloop"
	"github.com/basket/dp-orchestrator/internal/dialog"
)

// Registrar is the subset of *agentloop.Loop a channel needs. Channels
// depend on this narrow interface rather than agentloop.Loop directly
// so channel tests can substitute a fake.
type Registrar interface {
	RegisterMsg(ctx context.Context, in agentloop.RegisterInput) (*dialog.Dialog, error)
}

// TelegramChannel implements Channel for the Telegram Bot API. One
// update at a time is translated into a register_msg call; the reply
// is the newest bot utterance once the workflow flushes.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	loop       Registrar
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates a Telegram channel bound to loop.
// allowedIDs restricts which Telegram user IDs may reach the agent;
// an empty list allows everyone.
func NewTelegramChannel(token string, allowedIDs []int64, loop Registrar, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		loop:       loop,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram channel started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads from updates until ctx is done, the channel
// closes, or no update arrives within 2.5x the long-poll timeout
// (tgbotapi blocks rather than closing the channel on a dead
// connection, so a stall timer is the only way to notice).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if len(t.allowedIDs) > 0 {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	reset := text == "/reset" || text == "/start"

	externalUserID := fmt.Sprintf("%d", msg.From.ID)
	d, err := t.loop.RegisterMsg(ctx, agentloop.RegisterInput{
		ExternalUserID:  externalUserID,
		ChannelType:     t.Name(),
		Utterance:       text,
		Reset:           reset,
		RequireResponse: true,
		HasDeadline:     false,
	})
	if err != nil {
		t.logger.Error("telegram register_msg failed", "error", err, "user_id", msg.From.ID)
		t.reply(msg.Chat.ID, fmt.Sprintf("Sorry, something went wrong: %v", err))
		return
	}
	if reset {
		t.reply(msg.Chat.ID, "Starting a new conversation.")
		return
	}

	last, ok := d.Last()
	if !ok || last.Role != dialog.RoleBot {
		t.logger.Warn("telegram register_msg returned with no bot reply", "dialog_id", d.ID)
		return
	}
	t.reply(msg.Chat.ID, last.Text)
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
