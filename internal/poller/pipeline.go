package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"replybot/internal/domain"
	"replybot/internal/metrics"
)

// invoker is the slice of the capability registry the reply pipeline needs.
type invoker interface {
	Invoke(ctx context.Context, intent domain.Intent, params domain.Params) (*domain.Result, error)
}

// Pipeline handles one inbound message: reserve in the dedup ledger, generate
// a reply, send it, commit. Polled and pushed messages share this path, so a
// message arriving through both stays answered exactly once.
type Pipeline struct {
	dedup    domain.DedupStore
	ledger   domain.Ledger
	registry invoker

	maxSendAttempts int
	invokeTimeout   time.Duration
	logger          *slog.Logger
}

type PipelineConfig struct {
	Dedup           domain.DedupStore
	Ledger          domain.Ledger
	Registry        invoker
	MaxSendAttempts int
	InvokeTimeout   time.Duration
	Logger          *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.MaxSendAttempts <= 0 {
		cfg.MaxSendAttempts = 3
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 60 * time.Second
	}
	return &Pipeline{
		dedup:           cfg.Dedup,
		ledger:          cfg.Ledger,
		registry:        cfg.Registry,
		maxSendAttempts: cfg.MaxSendAttempts,
		invokeTimeout:   cfg.InvokeTimeout,
		logger:          cfg.Logger,
	}
}

// Handle processes msg through ch. The return value reports whether the
// message reached a final dedup state (committed or exhausted): final
// messages are safe to advance the checkpoint over, non-final ones will be
// retried on a later cycle.
func (p *Pipeline) Handle(ctx context.Context, ch domain.InboundChannel, msg domain.InboundMessage) bool {
	ref := msg.Ref()

	resv, err := p.dedup.Reserve(ctx, ref)
	if err != nil {
		p.logger.Error("dedup reserve failed", "channel", ref.Channel, "external_id", ref.ExternalID, "error", err)
		return false
	}

	if !resv.Fresh {
		switch resv.State {
		case domain.DedupCommitted, domain.DedupExhausted:
			metrics.DuplicatesSkipped.Inc()
			p.logger.Debug("skipping already-handled message",
				"channel", ref.Channel, "external_id", ref.ExternalID, "state", resv.State)
			return true
		case domain.DedupReserved:
			// A previous attempt failed mid-flight; retry the send.
			p.logger.Info("retrying reserved message",
				"channel", ref.Channel, "external_id", ref.ExternalID, "attempts", resv.Attempts)
		}
	}

	reply, err := p.generateReply(ctx, msg)
	if err != nil {
		p.logger.Warn("reply generation failed",
			"channel", ref.Channel, "external_id", ref.ExternalID, "error", err)
		return p.recordFailure(ctx, msg, "")
	}

	if err := ch.SendReply(ctx, ref, reply); err != nil {
		p.logger.Warn("reply send failed",
			"channel", ref.Channel, "external_id", ref.ExternalID, "error", err)
		return p.recordFailure(ctx, msg, reply)
	}

	if err := p.dedup.Commit(ctx, ref); err != nil {
		// The reply went out; a failed commit means a possible duplicate
		// after restart, which the at-least-once contract accepts.
		p.logger.Error("dedup commit failed after send",
			"channel", ref.Channel, "external_id", ref.ExternalID, "error", err)
	}

	metrics.RepliesSent.Inc()
	p.appendLog(ctx, msg, reply, domain.SendSent, 0)
	p.logger.Info("auto-reply sent", "channel", ref.Channel, "sender", msg.Sender)
	return true
}

// recordFailure bumps the attempt counter and, at the cap, finalizes the
// message as exhausted so it stops blocking the checkpoint.
func (p *Pipeline) recordFailure(ctx context.Context, msg domain.InboundMessage, reply string) bool {
	ref := msg.Ref()
	exhausted, attempts, err := p.dedup.RecordSendFailure(ctx, ref, p.maxSendAttempts)
	if err != nil {
		p.logger.Error("dedup failure record failed",
			"channel", ref.Channel, "external_id", ref.ExternalID, "error", err)
		return false
	}
	if !exhausted {
		return false
	}

	metrics.RepliesFailed.Inc()
	p.appendLog(ctx, msg, reply, domain.SendFailed, attempts)
	p.logger.Error("giving up on message after repeated failures",
		"channel", ref.Channel, "external_id", ref.ExternalID, "attempts", attempts)
	return true
}

func (p *Pipeline) appendLog(ctx context.Context, msg domain.InboundMessage, reply string, status domain.SendStatus, attempts int) {
	log := domain.ReplyLog{
		Channel:      msg.Channel,
		ExternalID:   msg.ExternalID,
		Sender:       msg.Sender,
		Original:     msg.Body,
		Generated:    reply,
		SendStatus:   status,
		AttemptCount: attempts,
		CreatedAt:    time.Now(),
	}
	if err := p.ledger.AppendReply(ctx, log); err != nil {
		p.logger.Warn("reply ledger append failed", "channel", msg.Channel, "error", err)
	}
}

const replyPrompt = `You are a helpful assistant replying to messages on behalf of a busy user.
Write a brief, polite reply to the message below. Acknowledge it and say the
user will follow up personally soon. Do not invent commitments or details.

Channel: %s
From: %s
%sMessage:
%s

Reply:`

func (p *Pipeline) generateReply(ctx context.Context, msg domain.InboundMessage) (string, error) {
	subject := ""
	if msg.Subject != "" {
		subject = fmt.Sprintf("Subject: %s\n", msg.Subject)
	}
	prompt := fmt.Sprintf(replyPrompt, msg.Channel, msg.Sender, subject, msg.Body)

	ctx, cancel := context.WithTimeout(ctx, p.invokeTimeout)
	defer cancel()

	res, err := p.registry.Invoke(ctx, domain.IntentReplyGeneration, domain.Params{"prompt": prompt})
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(res.Text)
	if reply == "" {
		return "", fmt.Errorf("provider %s returned empty reply", res.Provider)
	}
	return reply, nil
}
