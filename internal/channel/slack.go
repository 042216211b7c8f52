package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"replybot/internal/domain"
)

// Slack polls one channel's conversation history. Slack's message timestamps
// ("1724612345.000200") are already lexicographically sortable at fixed
// width, so they serve directly as both external id and position.
type Slack struct {
	api       *slack.Client
	channelID string
	logger    *slog.Logger

	botOnce  sync.Once
	botID    string
	botIDErr error
}

func NewSlack(botToken, channelID string, logger *slog.Logger) *Slack {
	return &Slack{
		api:       slack.New(botToken),
		channelID: channelID,
		logger:    logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// selfID resolves the bot's own user id once, so its replies are never
// treated as inbound messages.
func (s *Slack) selfID(ctx context.Context) (string, error) {
	s.botOnce.Do(func() {
		resp, err := s.api.AuthTestContext(ctx)
		if err != nil {
			s.botIDErr = fmt.Errorf("slack auth test: %w", err)
			return
		}
		s.botID = resp.UserID
	})
	return s.botID, s.botIDErr
}

func (s *Slack) FetchNew(ctx context.Context, after domain.Checkpoint) ([]domain.InboundMessage, error) {
	selfID, err := s.selfID(ctx)
	if err != nil {
		return nil, err
	}

	params := &slack.GetConversationHistoryParameters{
		ChannelID: s.channelID,
		Oldest:    after.Position,
		Inclusive: false,
		Limit:     50,
	}
	history, err := s.api.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("slack history: %w", err)
	}

	var out []domain.InboundMessage
	for _, m := range history.Messages {
		if m.User == "" || m.User == selfID || m.BotID != "" || m.SubType != "" {
			continue
		}
		out = append(out, domain.InboundMessage{
			Channel:    s.Name(),
			ExternalID: m.Timestamp,
			Sender:     m.User,
			Body:       m.Text,
			Position:   m.Timestamp,
			ReceivedAt: slackTime(m.Timestamp),
		})
	}

	// History arrives newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// SendReply answers in a thread under the original message.
func (s *Slack) SendReply(ctx context.Context, ref domain.MessageRef, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(ref.ExternalID),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

func slackTime(ts string) time.Time {
	secs, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
