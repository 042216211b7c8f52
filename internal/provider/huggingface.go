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

// HuggingFace implements the text capability against the serverless
// inference API.
type HuggingFace struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type HuggingFaceConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

func NewHuggingFace(cfg HuggingFaceConfig) *HuggingFace {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api-inference.huggingface.co"
	}
	if cfg.Model == "" {
		cfg.Model = "mistralai/Mistral-7B-Instruct-v0.3"
	}
	return &HuggingFace{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  cfg.Logger,
	}
}

func (h *HuggingFace) Name() string                  { return "huggingface" }
func (h *HuggingFace) Capability() domain.Capability { return domain.CapabilityText }

func (h *HuggingFace) Invoke(ctx context.Context, params domain.Params) (*domain.Result, error) {
	prompt := params.Prompt()
	if prompt == "" {
		return nil, domain.NewCapabilityError(h.Name(), domain.KindBadInput, fmt.Errorf("empty prompt"))
	}

	payload, err := json.Marshal(map[string]any{
		"inputs":     prompt,
		"parameters": map[string]any{"max_new_tokens": 512, "return_full_text": false},
	})
	if err != nil {
		return nil, domain.NewCapabilityError(h.Name(), domain.KindBadInput, err)
	}

	raw, err := h.post(ctx, "/models/"+h.model, payload)
	if err != nil {
		return nil, err
	}

	// The API returns [{"generated_text": "..."}].
	var parsed []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed) == 0 {
		return nil, domain.NewCapabilityError(h.Name(), domain.KindUnavailable, fmt.Errorf("unexpected response shape"))
	}
	return &domain.Result{Text: parsed[0].GeneratedText}, nil
}

func (h *HuggingFace) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	resp, err := doWithRetry(ctx, h.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", h.apiBase+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, h.logger)
	if err != nil {
		return nil, classifyHTTPError(h.Name(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, domain.NewCapabilityError(h.Name(), domain.KindUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errorFromStatus(h.Name(), resp.StatusCode, raw)
	}
	return raw, nil
}

// HuggingFaceImage drives a text-to-image model; the API answers with raw
// image bytes which are stored under the workspace.
type HuggingFaceImage struct {
	hf       *HuggingFace
	imageDir string
}

type HuggingFaceImageConfig struct {
	APIKey   string
	APIBase  string
	Model    string
	ImageDir string
	Logger   *slog.Logger
}

func NewHuggingFaceImage(cfg HuggingFaceImageConfig) *HuggingFaceImage {
	if cfg.Model == "" {
		cfg.Model = "stabilityai/stable-diffusion-xl-base-1.0"
	}
	return &HuggingFaceImage{
		hf: NewHuggingFace(HuggingFaceConfig{
			APIKey:  cfg.APIKey,
			APIBase: cfg.APIBase,
			Model:   cfg.Model,
			Logger:  cfg.Logger,
		}),
		imageDir: cfg.ImageDir,
	}
}

func (h *HuggingFaceImage) Name() string                  { return "huggingface_image" }
func (h *HuggingFaceImage) Capability() domain.Capability { return domain.CapabilityImage }

func (h *HuggingFaceImage) Invoke(ctx context.Context, params domain.Params) (*domain.Result, error) {
	prompt := params.Prompt()
	if prompt == "" {
		return nil, domain.NewCapabilityError(h.Name(), domain.KindBadInput, fmt.Errorf("empty prompt"))
	}

	payload, err := json.Marshal(map[string]any{"inputs": prompt})
	if err != nil {
		return nil, domain.NewCapabilityError(h.Name(), domain.KindBadInput, err)
	}

	data, err := h.hf.post(ctx, "/models/"+h.hf.model, payload)
	if err != nil {
		// Rewrap under this provider's name so chain errors read correctly.
		return nil, domain.NewCapabilityError(h.Name(), domain.KindOf(err), err)
	}
	if len(data) == 0 {
		return nil, domain.NewCapabilityError(h.Name(), domain.KindUnavailable, fmt.Errorf("empty image response"))
	}

	path, err := saveImage(h.imageDir, data)
	if err != nil {
		return nil, domain.NewCapabilityError(h.Name(), domain.KindUnavailable, err)
	}
	return &domain.Result{ImageReference: path}, nil
}
