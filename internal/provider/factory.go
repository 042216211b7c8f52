package provider

import (
	"context"
	"log/slog"
	"path/filepath"

	"replybot/internal/config"
	"replybot/internal/domain"
)

// Factory builds the provider set from config, with credentials overlaid
// from the settings store. A provider whose credential is absent in both
// places is simply not constructed: the capability degrades or becomes
// unavailable, it never crashes.
type Factory struct {
	cfg      *config.Config
	settings domain.SettingsStore
	logger   *slog.Logger
}

func NewFactory(cfg *config.Config, settings domain.SettingsStore, logger *slog.Logger) *Factory {
	return &Factory{cfg: cfg, settings: settings, logger: logger}
}

// credential resolves the API key for a provider: a settings row named
// provider.<name>.api_key wins over the config value.
func (f *Factory) credential(ctx context.Context, name string, pc config.ProviderConfig) string {
	if f.settings != nil {
		if v, ok, err := f.settings.Setting(ctx, "provider."+name+".api_key"); err == nil && ok && v != "" {
			return v
		}
	}
	return pc.APIKey
}

// Build constructs every enabled, credentialed provider keyed by name.
func (f *Factory) Build(ctx context.Context) map[string]domain.Provider {
	providers := make(map[string]domain.Provider)
	imageDir := filepath.Join(f.cfg.General.Workspace, "images")

	for name, pc := range f.cfg.Providers {
		if !pc.Enabled {
			continue
		}

		// Browser-mode providers need no credential, only a profile.
		if name == "gemini_web" || pc.Mode == "browser" {
			providers[name] = NewGeminiWeb(GeminiWebConfig{
				ProfileDir: pc.ProfileDir,
				Selectors:  pc.Selectors,
				Logger:     f.logger,
			})
			continue
		}

		key := f.credential(ctx, name, pc)
		if key == "" {
			f.logger.Warn("provider has no credential, capability degraded", "provider", name)
			continue
		}

		switch name {
		case "openrouter":
			providers[name] = NewOpenRouter(OpenAICompatConfig{
				APIKey: key, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: f.logger,
			})
		case "deepseek":
			providers[name] = NewDeepSeek(OpenAICompatConfig{
				APIKey: key, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: f.logger,
			})
		case "gemini":
			providers[name] = NewGemini(GeminiConfig{
				APIKey: key, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: f.logger,
			})
			providers["gemini_image"] = NewGeminiImage(GeminiImageConfig{
				APIKey: key, APIBase: pc.APIBase, ImageDir: imageDir, Logger: f.logger,
			})
		case "huggingface":
			providers[name] = NewHuggingFace(HuggingFaceConfig{
				APIKey: key, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: f.logger,
			})
			providers["huggingface_image"] = NewHuggingFaceImage(HuggingFaceImageConfig{
				APIKey: key, APIBase: pc.APIBase, ImageDir: imageDir, Logger: f.logger,
			})
		case "facebook":
			providers[name] = NewFacebook(FacebookConfig{
				AccessToken: key, APIBase: pc.APIBase, Logger: f.logger,
			})
		default:
			f.logger.Warn("unknown provider in config, skipping", "provider", name)
		}
	}

	return providers
}
