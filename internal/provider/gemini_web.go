package provider

import (
	"context"
	"fmt"
	"log/slog"

	"replybot/internal/domain"
)

// GeminiWeb is the browser-automation fallback at the end of the text chain:
// no API key, just a logged-in Chrome profile against gemini.google.com.
type GeminiWeb struct {
	bridge    *browserBridge
	selectors selectorSet
	logger    *slog.Logger
}

type GeminiWebConfig struct {
	ProfileDir string
	Selectors  map[string]string
	Logger     *slog.Logger
}

func NewGeminiWeb(cfg GeminiWebConfig) *GeminiWeb {
	sel := geminiWebSelectors()
	if v := cfg.Selectors["url"]; v != "" {
		sel.URL = v
	}
	if v := cfg.Selectors["input"]; v != "" {
		sel.Input = v
	}
	if v := cfg.Selectors["submit"]; v != "" {
		sel.Submit = v
	}
	if v := cfg.Selectors["response"]; v != "" {
		sel.Response = v
	}
	if v := cfg.Selectors["loading"]; v != "" {
		sel.Loading = v
	}

	return &GeminiWeb{
		bridge:    newBrowserBridge(cfg.ProfileDir, cfg.Logger),
		selectors: sel,
		logger:    cfg.Logger,
	}
}

func (p *GeminiWeb) Name() string                  { return "gemini_web" }
func (p *GeminiWeb) Capability() domain.Capability { return domain.CapabilityText }

func (p *GeminiWeb) Invoke(ctx context.Context, params domain.Params) (*domain.Result, error) {
	prompt := params.Prompt()
	if prompt == "" {
		return nil, domain.NewCapabilityError(p.Name(), domain.KindBadInput, fmt.Errorf("empty prompt"))
	}

	p.logger.Info("gemini_web: sending message", "len", len(prompt))

	response, err := p.bridge.sendAndReceive(ctx, p.selectors, prompt)
	if err != nil {
		return nil, domain.NewCapabilityError(p.Name(), domain.KindUnavailable, err)
	}

	p.logger.Info("gemini_web: received response", "len", len(response))
	return &domain.Result{Text: response}, nil
}

// Login opens a visible browser so the user can authenticate once; the
// session cookie then serves headless invocations.
func (p *GeminiWeb) Login(ctx context.Context) error {
	return p.bridge.login(ctx, p.selectors.URL)
}
