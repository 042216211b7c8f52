package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"replybot/internal/domain"
)

// Telegram polls getUpdates. The position token is the zero-padded update
// id; the stored checkpoint doubles as the getUpdates offset, so an update
// is only acknowledged to Telegram once it has been fully handled.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

func NewTelegram(token string, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	logger.Info("telegram channel ready", "bot", bot.Self.UserName)
	return &Telegram{bot: bot, logger: logger}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) FetchNew(ctx context.Context, after domain.Checkpoint) ([]domain.InboundMessage, error) {
	cfg := tgbotapi.NewUpdate(offsetFromPosition(after.Position))
	cfg.Timeout = 0 // short poll; the poller owns the cadence
	cfg.AllowedUpdates = []string{"message"}

	updates, err := t.bot.GetUpdates(cfg)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}

	var out []domain.InboundMessage
	for _, u := range updates {
		if u.Message == nil || u.Message.Text == "" || u.Message.From == nil {
			continue
		}
		if u.Message.From.IsBot {
			continue
		}
		out = append(out, domain.InboundMessage{
			Channel:    t.Name(),
			ExternalID: fmt.Sprintf("%d:%d", u.Message.Chat.ID, u.Message.MessageID),
			Sender:     u.Message.From.UserName,
			Body:       u.Message.Text,
			Position:   positionFromUpdateID(u.UpdateID),
			ReceivedAt: time.Unix(int64(u.Message.Date), 0),
		})
	}
	return out, nil
}

// SendReply answers in the originating chat, quoting the original message.
// The chat id travels inside the external id so no lookup state is needed.
func (t *Telegram) SendReply(ctx context.Context, ref domain.MessageRef, text string) error {
	chatID, messageID, err := splitTelegramID(ref.ExternalID)
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = messageID
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func positionFromUpdateID(id int) string {
	return fmt.Sprintf("%012d", id)
}

// offsetFromPosition converts a stored position back into a getUpdates
// offset (last handled id plus one). An empty position means start fresh.
func offsetFromPosition(pos string) int {
	if pos == "" {
		return 0
	}
	id, err := strconv.Atoi(strings.TrimLeft(pos, "0"))
	if err != nil {
		return 0
	}
	return id + 1
}

func splitTelegramID(external string) (chatID int64, messageID int, err error) {
	parts := strings.SplitN(external, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed telegram message id %q", external)
	}
	chatID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed telegram chat id %q", parts[0])
	}
	messageID, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed telegram message id %q", parts[1])
	}
	return chatID, messageID, nil
}
