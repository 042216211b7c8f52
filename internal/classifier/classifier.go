package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"replybot/internal/domain"
)

// generator is the slice of the capability registry the classifier needs.
type generator interface {
	Invoke(ctx context.Context, intent domain.Intent, params domain.Params) (*domain.Result, error)
}

// Classifier maps raw command text to an intent plus parameters. Common
// commands resolve through deterministic keyword matching with no provider
// call; everything else goes to the text capability with a bounded timeout.
// Classification never fails: any provider problem falls back to
// general_query carrying the raw text.
type Classifier struct {
	gen     generator
	timeout time.Duration
	logger  *slog.Logger
}

type Config struct {
	Generator generator
	Timeout   time.Duration
	Logger    *slog.Logger
}

func New(cfg Config) *Classifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Classifier{
		gen:     cfg.Generator,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Classify resolves text to a classification. The deterministic fast paths
// mirror the keyword routing the assistant always had; they are checked in
// priority order because several keyword sets overlap ("post an image").
func (c *Classifier) Classify(ctx context.Context, text string) domain.Classification {
	normalized := strings.ToLower(strings.TrimSpace(text))

	if cls, ok := matchDeterministic(normalized, text); ok {
		return cls
	}
	return c.classifyWithAI(ctx, text)
}

var (
	statusWords    = regexp.MustCompile(`\b(status|how are you|system)\b`)
	autoReplyWords = regexp.MustCompile(`\b(auto[- ]?repl(y|ies)|unread messages|recent replies)\b`)
	voiceWords     = regexp.MustCompile(`\b(voice test|test voice|say something)\b`)
	helpWords      = regexp.MustCompile(`\b(help|what can you do|commands)\b`)
	facebookWords  = regexp.MustCompile(`\b(facebook|post|share)\b`)
	imageWords     = regexp.MustCompile(`\b(image|picture|photo|draw)\b`)
	writeWords     = regexp.MustCompile(`\b(write|blog|article|content|compose|email)\b`)
)

func matchDeterministic(normalized, raw string) (domain.Classification, bool) {
	switch {
	case autoReplyWords.MatchString(normalized):
		return domain.Classification{Intent: domain.IntentAutoReplyStatus}, true
	case statusWords.MatchString(normalized):
		return domain.Classification{Intent: domain.IntentSystemStatus}, true
	case voiceWords.MatchString(normalized):
		return domain.Classification{Intent: domain.IntentVoiceTest}, true
	case helpWords.MatchString(normalized):
		return domain.Classification{Intent: domain.IntentHelp}, true
	case facebookWords.MatchString(normalized):
		params := map[string]string{"topic": extractTopic(normalized)}
		if imageWords.MatchString(normalized) {
			params["include_image"] = "true"
		}
		return domain.Classification{Intent: domain.IntentFacebookPost, Parameters: params}, true
	case imageWords.MatchString(normalized):
		return domain.Classification{
			Intent:     domain.IntentCreateImage,
			Parameters: map[string]string{"prompt": extractImagePrompt(normalized)},
		}, true
	case writeWords.MatchString(normalized):
		return domain.Classification{
			Intent:     domain.IntentTextGeneration,
			Parameters: map[string]string{"prompt": raw},
		}, true
	}
	return domain.Classification{}, false
}

// topicPattern strips command scaffolding like "post about ..." or
// "share ... on facebook" down to the topic itself.
var topicPattern = regexp.MustCompile(`(?:post|share|create a post)\s+(?:about\s+)?(.+?)(?:\s+(?:on|to)\s+facebook)?$`)

func extractTopic(text string) string {
	if m := topicPattern.FindStringSubmatch(text); len(m) > 1 {
		topic := strings.TrimSpace(m[1])
		topic = strings.TrimPrefix(topic, "about ")
		if topic != "" {
			return topic
		}
	}
	return strings.TrimSpace(text)
}

var imagePromptPattern = regexp.MustCompile(`(?:generate|create|draw|make)\s+(?:an?\s+)?(?:image|picture|photo)\s+(?:of\s+)?(.+)$`)

func extractImagePrompt(text string) string {
	if m := imagePromptPattern.FindStringSubmatch(text); len(m) > 1 && strings.TrimSpace(m[1]) != "" {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

const classifyPrompt = `Classify the user command below into one of these intents:
general_query, text_generation, create_image, facebook_post, system_status, help.
Respond with only a JSON object: {"intent": "...", "parameters": {"prompt": "...", "topic": "..."}}.
Include only parameters that apply.

Command: %s`

type aiGuess struct {
	Intent     string            `json:"intent"`
	Parameters map[string]string `json:"parameters"`
}

func (c *Classifier) classifyWithAI(ctx context.Context, text string) domain.Classification {
	fallback := domain.Classification{
		Intent:     domain.IntentGeneralQuery,
		Parameters: map[string]string{"prompt": text},
	}
	if c.gen == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.gen.Invoke(ctx, domain.IntentGeneralQuery, domain.Params{
		"prompt": fmt.Sprintf(classifyPrompt, text),
	})
	if err != nil {
		c.logger.Warn("AI classification failed, using general_query", "error", err)
		return fallback
	}

	guess, ok := parseGuess(res.Text)
	if !ok {
		c.logger.Warn("AI classification returned malformed output, using general_query")
		return fallback
	}

	intent := domain.Intent(guess.Intent)
	switch intent {
	case domain.IntentGeneralQuery, domain.IntentTextGeneration, domain.IntentCreateImage,
		domain.IntentFacebookPost, domain.IntentSystemStatus, domain.IntentHelp:
	default:
		return fallback
	}

	params := guess.Parameters
	if params == nil {
		params = map[string]string{}
	}
	if params["prompt"] == "" {
		params["prompt"] = text
	}
	return domain.Classification{Intent: intent, Parameters: params}
}

// parseGuess tolerates code-fence wrapping, which chat models love to add.
func parseGuess(text string) (aiGuess, bool) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var guess aiGuess
	if err := json.Unmarshal([]byte(text), &guess); err != nil {
		return aiGuess{}, false
	}
	if guess.Intent == "" {
		return aiGuess{}, false
	}
	return guess, true
}
