// Package executor turns classified commands into effects: provider chain
// invocations, ledger appends, and a durable audit record per command.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"replybot/internal/domain"
	"replybot/internal/metrics"
)

// failureMessage is what the caller sees when a command fails. Diagnostics
// stay in the record's error detail, never in the user-visible text.
const failureMessage = "Sorry, I couldn't complete that request. Please try again."

// invoker is the slice of the capability registry the executor needs.
type invoker interface {
	Invoke(ctx context.Context, intent domain.Intent, params domain.Params) (*domain.Result, error)
	Available(intent domain.Intent) bool
}

// intentClassifier resolves raw text to an intent. It never fails.
type intentClassifier interface {
	Classify(ctx context.Context, text string) domain.Classification
}

// Executor runs one command end to end. Every invocation ends in exactly one
// terminal record: the status write is compare-and-set on processing, so a
// concurrent recovery sweep and a slow handler can never both win.
type Executor struct {
	classifier intentClassifier
	registry   invoker
	commands   domain.CommandStore
	ledger     domain.Ledger

	invokeTimeout time.Duration
	orphanAfter   time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

type Config struct {
	Classifier    intentClassifier
	Registry      invoker
	Commands      domain.CommandStore
	Ledger        domain.Ledger
	InvokeTimeout time.Duration
	OrphanAfter   time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

func New(cfg Config) *Executor {
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 60 * time.Second
	}
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{
		classifier:    cfg.Classifier,
		registry:      cfg.Registry,
		commands:      cfg.Commands,
		ledger:        cfg.Ledger,
		invokeTimeout: cfg.InvokeTimeout,
		orphanAfter:   cfg.OrphanAfter,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
}

// Execute classifies and runs rawText, returning the terminal record. The
// returned record is always terminal even when persistence hiccups; audit
// writes are best-effort, effects are not.
func (e *Executor) Execute(ctx context.Context, rawText string) domain.CommandRecord {
	metrics.CommandsTotal.Inc()

	rec := domain.CommandRecord{
		ID:        uuid.NewString(),
		RawText:   rawText,
		Status:    domain.StatusProcessing,
		CreatedAt: e.now(),
	}
	if err := e.commands.CreateCommand(ctx, rec); err != nil {
		e.logger.Warn("command audit write failed, executing anyway", "id", rec.ID, "error", err)
	}

	cls := e.classifier.Classify(ctx, rawText)
	rec.Intent = cls.Intent
	rec.Parameters = cls.Parameters
	e.logger.Info("command classified", "id", rec.ID, "intent", cls.Intent)

	result, err := e.dispatch(ctx, cls)

	rec.CompletedAt = e.now()
	if err != nil {
		metrics.CommandFailures.Inc()
		rec.Status = domain.StatusFailed
		rec.ResultText = failureMessage
		rec.ErrorDetail = err.Error()
		e.logger.Warn("command failed", "id", rec.ID, "intent", cls.Intent, "error", err)
	} else {
		rec.Status = domain.StatusCompleted
		rec.ResultText = result
	}

	updated, ferr := e.commands.FinishCommand(ctx, rec.ID, rec.Status, rec.ResultText, rec.ErrorDetail)
	if ferr != nil {
		e.logger.Warn("command status write failed", "id", rec.ID, "error", ferr)
	} else if !updated {
		// The recovery sweep got there first. The caller still gets our
		// outcome; the stored record keeps the sweep's.
		e.logger.Warn("command already finalized, keeping stored status", "id", rec.ID)
	}
	return rec
}

func (e *Executor) dispatch(ctx context.Context, cls domain.Classification) (string, error) {
	params := domain.Params(cls.Parameters)
	if params == nil {
		params = domain.Params{}
	}

	switch cls.Intent {
	case domain.IntentSystemStatus:
		return e.systemStatus(ctx)
	case domain.IntentAutoReplyStatus:
		return e.autoReplyStatus(ctx)
	case domain.IntentVoiceTest:
		return "Voice test successful. If you can hear this, speech output is working.", nil
	case domain.IntentHelp:
		return helpText, nil
	case domain.IntentCreateImage:
		return e.createImage(ctx, params)
	case domain.IntentFacebookPost:
		return e.facebookPost(ctx, params)
	case domain.IntentTextGeneration, domain.IntentGeneralQuery:
		return e.generateText(ctx, cls.Intent, params)
	default:
		// Unknown intents should not reach here; treat as general query.
		return e.generateText(ctx, domain.IntentGeneralQuery, params)
	}
}

const helpText = `I can help with:
- Answering questions: just ask anything
- Writing content: "write a blog post about ..."
- Generating images: "create an image of ..."
- Facebook posts: "post about ... on facebook"
- System status: "how are you" or "status"
- Auto-reply activity: "show recent replies"`

// systemStatus answers from local state only: ledger counts plus capability
// availability. No provider call, so it works even when every chain is down.
func (e *Executor) systemStatus(ctx context.Context) (string, error) {
	counts, err := e.ledger.CountsForDay(ctx, e.now())
	if err != nil {
		return "", fmt.Errorf("read activity counts: %w", err)
	}

	var caps []string
	for _, intent := range []domain.Intent{domain.IntentTextGeneration, domain.IntentCreateImage, domain.IntentFacebookPost} {
		if e.registry.Available(intent) {
			caps = append(caps, string(intent))
		}
	}
	capLine := "none"
	if len(caps) > 0 {
		capLine = strings.Join(caps, ", ")
	}

	return fmt.Sprintf(
		"All systems operational. Today: %d commands, %d auto-replies, %d posts. Available capabilities: %s.",
		counts.Commands, counts.Replies, counts.Posts, capLine,
	), nil
}

// autoReplyStatus summarizes the reply ledger, also without provider calls.
func (e *Executor) autoReplyStatus(ctx context.Context) (string, error) {
	counts, err := e.ledger.CountsForDay(ctx, e.now())
	if err != nil {
		return "", fmt.Errorf("read activity counts: %w", err)
	}
	recent, err := e.ledger.RecentReplies(ctx, 5)
	if err != nil {
		return "", fmt.Errorf("read recent replies: %w", err)
	}

	if len(recent) == 0 {
		return "No auto-replies sent yet today.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d auto-replies today. Most recent:\n", counts.Replies)
	for _, r := range recent {
		fmt.Fprintf(&sb, "- [%s] %s (%s)\n", r.Channel, r.Sender, r.SendStatus)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (e *Executor) generateText(ctx context.Context, intent domain.Intent, params domain.Params) (string, error) {
	if params.Prompt() == "" {
		return "", domain.NewCapabilityError("executor", domain.KindBadInput, errors.New("empty prompt"))
	}

	ctx, cancel := context.WithTimeout(ctx, e.invokeTimeout)
	defer cancel()

	res, err := e.registry.Invoke(ctx, intent, params)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (e *Executor) createImage(ctx context.Context, params domain.Params) (string, error) {
	if params.Prompt() == "" {
		return "", domain.NewCapabilityError("executor", domain.KindBadInput, errors.New("empty image prompt"))
	}

	ctx, cancel := context.WithTimeout(ctx, e.invokeTimeout)
	defer cancel()

	res, err := e.registry.Invoke(ctx, domain.IntentCreateImage, params)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Image generated: %s", res.ImageReference), nil
}

// facebookPost runs the three-stage pipeline: generate the post text,
// optionally generate an image, then publish. A failed image generation
// degrades to a text-only post; a failed publish fails the command and the
// attempt is still recorded in the post ledger.
func (e *Executor) facebookPost(ctx context.Context, params domain.Params) (string, error) {
	topic := strings.TrimSpace(params["topic"])
	if topic == "" {
		topic = strings.TrimSpace(params.Prompt())
	}
	if topic == "" {
		return "", domain.NewCapabilityError("executor", domain.KindBadInput, errors.New("no post topic"))
	}

	content, err := e.generateText(ctx, domain.IntentTextGeneration, domain.Params{
		"prompt": fmt.Sprintf("Write an engaging Facebook post about %s. Keep it concise and include relevant hashtags.", topic),
	})
	if err != nil {
		return "", fmt.Errorf("generate post content: %w", err)
	}

	var imageRef string
	if params["include_image"] == "true" {
		imgCtx, cancel := context.WithTimeout(ctx, e.invokeTimeout)
		res, ierr := e.registry.Invoke(imgCtx, domain.IntentCreateImage, domain.Params{"prompt": topic})
		cancel()
		if ierr != nil {
			e.logger.Warn("image generation failed, posting text only", "topic", topic, "error", ierr)
		} else {
			imageRef = res.ImageReference
		}
	}

	post := domain.SocialPost{
		Platform:       "facebook",
		Topic:          topic,
		Content:        content,
		ImageReference: imageRef,
		CreatedAt:      e.now(),
	}

	pubCtx, cancel := context.WithTimeout(ctx, e.invokeTimeout)
	defer cancel()
	res, err := e.registry.Invoke(pubCtx, domain.IntentFacebookPost, domain.Params{
		"content":         content,
		"image_reference": imageRef,
	})
	if err != nil {
		post.Status = "failed"
		if lerr := e.ledger.AppendPost(ctx, post); lerr != nil {
			e.logger.Warn("post ledger append failed", "error", lerr)
		}
		return "", fmt.Errorf("publish post: %w", err)
	}

	post.Status = "posted"
	post.PlatformPostID = res.PostID
	if lerr := e.ledger.AppendPost(ctx, post); lerr != nil {
		e.logger.Warn("post ledger append failed", "error", lerr)
	}

	return fmt.Sprintf("Posted to Facebook about %q (post id %s).", topic, res.PostID), nil
}

// SweepOrphans fails any record stuck in processing longer than the
// configured window. Run periodically so a crash mid-command cannot leave a
// record non-terminal forever.
func (e *Executor) SweepOrphans(ctx context.Context) {
	n, err := e.commands.SweepOrphans(ctx, e.orphanAfter)
	if err != nil {
		e.logger.Error("orphan sweep failed", "error", err)
		return
	}
	if n > 0 {
		metrics.OrphansSwept.Add(n)
		e.logger.Warn("orphan sweep failed stuck commands", "count", n, "older_than", e.orphanAfter)
	}
}
