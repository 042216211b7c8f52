package capability

import (
	"fmt"
	"log/slog"
	"os"

	"replybot/internal/domain"

	"gopkg.in/yaml.v3"
)

// ChainLayout is the YAML schema for intent→provider chain definitions.
//
//	chains:
//	  general_query: [openrouter, deepseek, gemini, huggingface, gemini_web]
//	  create_image:  [gemini_image, huggingface_image]
//	  facebook_post: [facebook]
type ChainLayout struct {
	Chains map[string][]string `yaml:"chains"`
}

// LoadChainLayout reads a chain layout file. A missing path is not an error;
// the caller falls back to DefaultChainLayout.
func LoadChainLayout(path string, logger *slog.Logger) (*ChainLayout, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debug("chains file does not exist, using defaults", "path", path)
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chains file: %w", err)
	}

	var layout ChainLayout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("parse chains file %s: %w", path, err)
	}
	if len(layout.Chains) == 0 {
		return nil, fmt.Errorf("chains file %s defines no chains", path)
	}

	logger.Info("loaded chain layout", "path", path, "intents", len(layout.Chains))
	return &layout, nil
}

// DefaultChainLayout is the built-in fallback order: cheap hosted APIs
// first, the browser bridge dead last.
func DefaultChainLayout() *ChainLayout {
	return &ChainLayout{Chains: map[string][]string{
		string(domain.IntentGeneralQuery):    {"openrouter", "deepseek", "gemini", "huggingface", "gemini_web"},
		string(domain.IntentTextGeneration):  {"openrouter", "deepseek", "gemini", "huggingface", "gemini_web"},
		string(domain.IntentReplyGeneration): {"gemini", "openrouter", "deepseek"},
		string(domain.IntentCreateImage):     {"gemini_image", "huggingface_image"},
		string(domain.IntentFacebookPost):    {"facebook"},
	}}
}

// Build populates a registry from the layout, resolving provider names
// against the constructed provider set. Unknown names are skipped with a
// warning so a typo in the layout degrades a chain instead of killing boot.
func (l *ChainLayout) Build(reg *Registry, providers map[string]domain.Provider, logger *slog.Logger) {
	for intent, names := range l.Chains {
		for _, name := range names {
			p, ok := providers[name]
			if !ok {
				logger.Warn("chain references unavailable provider, skipping",
					"intent", intent, "provider", name)
				continue
			}
			reg.Register(domain.Intent(intent), p)
		}
	}
}
