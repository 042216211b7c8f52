package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"replybot/internal/domain"
)

// Discord is a push channel: the gateway delivers message events which are
// published onto the bus for the dispatcher. FetchNew is a no-op because
// there is nothing to poll.
type Discord struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func NewDiscord(token string, logger *slog.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	return &Discord{session: session, logger: logger}, nil
}

func (d *Discord) Name() string { return "discord" }

// FetchNew always returns nothing; discord delivers over the gateway push path.
func (d *Discord) FetchNew(ctx context.Context, after domain.Checkpoint) ([]domain.InboundMessage, error) {
	return nil, nil
}

// StartPush opens the gateway connection and forwards user messages to the
// bus. The session closes when ctx is cancelled.
func (d *Discord) StartPush(ctx context.Context, bus domain.MessageBus) error {
	d.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
			return
		}
		if strings.TrimSpace(m.Content) == "" {
			return
		}
		bus.Publish(domain.InboundMessage{
			Channel:    d.Name(),
			ExternalID: m.ChannelID + ":" + m.ID,
			Sender:     m.Author.Username,
			Body:       m.Content,
			Position:   m.ID, // snowflakes are time-ordered
			ReceivedAt: time.Now(),
		})
	})

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord gateway: %w", err)
	}
	d.logger.Info("discord channel connected")

	go func() {
		<-ctx.Done()
		if err := d.session.Close(); err != nil {
			d.logger.Warn("discord close", "error", err)
		}
	}()
	return nil
}

func (d *Discord) SendReply(ctx context.Context, ref domain.MessageRef, text string) error {
	channelID, messageID, ok := strings.Cut(ref.ExternalID, ":")
	if !ok {
		return fmt.Errorf("malformed discord message id %q", ref.ExternalID)
	}

	_, err := d.session.ChannelMessageSendReply(channelID, text, &discordgo.MessageReference{
		MessageID: messageID,
		ChannelID: channelID,
	})
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}
