package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"replybot/internal/domain"
)

// Gemini implements the text capability against the Gemini generateContent
// REST API.
type Gemini struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type GeminiConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  cfg.Logger,
	}
}

func (g *Gemini) Name() string                  { return "gemini" }
func (g *Gemini) Capability() domain.Capability { return domain.CapabilityText }

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (g *Gemini) Invoke(ctx context.Context, params domain.Params) (*domain.Result, error) {
	parsed, err := g.generate(ctx, g.model, params)
	if err != nil {
		return nil, err
	}
	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.Text != "" {
			return &domain.Result{Text: part.Text}, nil
		}
	}
	return nil, domain.NewCapabilityError(g.Name(), domain.KindUnavailable, fmt.Errorf("no text part in response"))
}

func (g *Gemini) generate(ctx context.Context, model string, params domain.Params) (*geminiResponse, error) {
	prompt := params.Prompt()
	if prompt == "" {
		return nil, domain.NewCapabilityError(g.Name(), domain.KindBadInput, fmt.Errorf("empty prompt"))
	}
	if sys := params["system"]; sys != "" {
		prompt = sys + "\n\n" + prompt
	}

	payload, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return nil, domain.NewCapabilityError(g.Name(), domain.KindBadInput, err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.apiBase, model, g.apiKey)
	resp, err := doWithRetry(ctx, g.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, g.logger)
	if err != nil {
		return nil, classifyHTTPError(g.Name(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, domain.NewCapabilityError(g.Name(), domain.KindUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errorFromStatus(g.Name(), resp.StatusCode, raw)
	}

	var out geminiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, domain.NewCapabilityError(g.Name(), domain.KindUnavailable, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Candidates) == 0 {
		return nil, domain.NewCapabilityError(g.Name(), domain.KindUnavailable, fmt.Errorf("no candidates in response"))
	}
	return &out, nil
}

// GeminiImage generates images through the image-capable Gemini model and
// stores the decoded bytes under the workspace, returning the path as the
// image reference.
type GeminiImage struct {
	gemini   *Gemini
	model    string
	imageDir string
}

type GeminiImageConfig struct {
	APIKey   string
	APIBase  string
	Model    string
	ImageDir string
	Logger   *slog.Logger
}

func NewGeminiImage(cfg GeminiImageConfig) *GeminiImage {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash-preview-image-generation"
	}
	return &GeminiImage{
		gemini: NewGemini(GeminiConfig{
			APIKey:  cfg.APIKey,
			APIBase: cfg.APIBase,
			Logger:  cfg.Logger,
		}),
		model:    cfg.Model,
		imageDir: cfg.ImageDir,
	}
}

func (g *GeminiImage) Name() string                  { return "gemini_image" }
func (g *GeminiImage) Capability() domain.Capability { return domain.CapabilityImage }

func (g *GeminiImage) Invoke(ctx context.Context, params domain.Params) (*domain.Result, error) {
	parsed, err := g.gemini.generate(ctx, g.model, params)
	if err != nil {
		return nil, err
	}
	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.InlineData == nil || part.InlineData.Data == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			return nil, domain.NewCapabilityError(g.Name(), domain.KindUnavailable, fmt.Errorf("decode image data: %w", err))
		}
		path, err := saveImage(g.imageDir, data)
		if err != nil {
			return nil, domain.NewCapabilityError(g.Name(), domain.KindUnavailable, err)
		}
		return &domain.Result{ImageReference: path}, nil
	}
	return nil, domain.NewCapabilityError(g.Name(), domain.KindUnavailable, fmt.Errorf("no image part in response"))
}

func saveImage(dir string, data []byte) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("generated_%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	return path, nil
}
