package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"replybot/internal/domain"
)

// OpenAICompat implements domain.Provider for chat-completions style APIs.
// OpenRouter and DeepSeek both speak this dialect.
type OpenAICompat struct {
	name    string
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type OpenAICompatConfig struct {
	Name    string
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

func NewOpenRouter(cfg OpenAICompatConfig) *OpenAICompat {
	cfg.Name = "openrouter"
	if cfg.APIBase == "" {
		cfg.APIBase = "https://openrouter.ai/api/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "meta-llama/llama-3.1-8b-instruct:free"
	}
	return newOpenAICompat(cfg)
}

func NewDeepSeek(cfg OpenAICompatConfig) *OpenAICompat {
	cfg.Name = "deepseek"
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.deepseek.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "deepseek-chat"
	}
	return newOpenAICompat(cfg)
}

func newOpenAICompat(cfg OpenAICompatConfig) *OpenAICompat {
	return &OpenAICompat{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  cfg.Logger,
	}
}

func (o *OpenAICompat) Name() string                  { return o.name }
func (o *OpenAICompat) Capability() domain.Capability { return domain.CapabilityText }

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
}

func (o *OpenAICompat) Invoke(ctx context.Context, params domain.Params) (*domain.Result, error) {
	prompt := params.Prompt()
	if prompt == "" {
		return nil, domain.NewCapabilityError(o.name, domain.KindBadInput, fmt.Errorf("empty prompt"))
	}

	body := oaiRequest{
		Model:    o.model,
		Messages: []oaiMessage{{Role: "user", Content: prompt}},
	}
	if sys := params["system"]; sys != "" {
		body.Messages = append([]oaiMessage{{Role: "system", Content: sys}}, body.Messages...)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, domain.NewCapabilityError(o.name, domain.KindBadInput, err)
	}

	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, o.logger)
	if err != nil {
		return nil, classifyHTTPError(o.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.NewCapabilityError(o.name, domain.KindUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errorFromStatus(o.name, resp.StatusCode, raw)
	}

	var parsed oaiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.NewCapabilityError(o.name, domain.KindUnavailable, fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, domain.NewCapabilityError(o.name, domain.KindUnavailable, fmt.Errorf("no choices in response"))
	}

	return &domain.Result{Text: parsed.Choices[0].Message.Content}, nil
}
