package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for replybot.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Providers map[string]ProviderConfig `json:"providers"`
	Channels  ChannelsConfig            `json:"channels"`
	Executor  ExecutorConfig            `json:"executor"`
	Poller    PollerConfig              `json:"poller"`
	Store     StoreConfig               `json:"store"`
	API       APIConfig                 `json:"api"`
}

type GeneralConfig struct {
	Workspace  string `json:"workspace"`
	LogLevel   string `json:"logLevel"`
	ChainsFile string `json:"chainsFile,omitempty"` // YAML intent→provider chain layout
}

type ProviderConfig struct {
	Enabled      bool              `json:"enabled"`
	Mode         string            `json:"mode"` // "api" | "browser"
	APIBase      string            `json:"apiBase,omitempty"`
	APIKey       string            `json:"apiKey,omitempty"`
	DefaultModel string            `json:"defaultModel,omitempty"`
	ProfileDir   string            `json:"profileDir,omitempty"`
	Selectors    map[string]string `json:"selectors,omitempty"`
}

type ChannelsConfig struct {
	Email    EmailConfig    `json:"email"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

type EmailConfig struct {
	Enabled     bool   `json:"enabled"`
	APIBase     string `json:"apiBase,omitempty"` // Gmail-style REST endpoint
	AccessToken string `json:"accessToken,omitempty"`
	Query       string `json:"query,omitempty"` // search filter, default "is:unread"
	MaxResults  int    `json:"maxResults,omitempty"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled"`
	AccessToken   string `json:"accessToken,omitempty"`
	VerifyToken   string `json:"verifyToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
	APIBase       string `json:"apiBase,omitempty"`
	WebhookPath   string `json:"webhookPath,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

type SlackConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"botToken"`
	ChannelID string `json:"channelId"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

type ExecutorConfig struct {
	ClassifyTimeoutSeconds int `json:"classifyTimeoutSeconds"` // AI classification deadline
	InvokeTimeoutSeconds   int `json:"invokeTimeoutSeconds"`   // per-provider invocation deadline
	OrphanAfterSeconds     int `json:"orphanAfterSeconds"`     // processing records older than this are swept
}

type PollerConfig struct {
	BaseIntervalSeconds int `json:"baseIntervalSeconds"`
	MaxIntervalSeconds  int `json:"maxIntervalSeconds"`
	CycleTimeoutSeconds int `json:"cycleTimeoutSeconds"`
	MaxSendAttempts     int `json:"maxSendAttempts"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	AuthUser      string `json:"authUser,omitempty"`
	AuthPassword  string `json:"authPassword,omitempty"`
	WebhookSecret string `json:"webhookSecret,omitempty"` // HMAC secret for the generic inbound webhook
	Metrics       bool   `json:"metrics"`
}

func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".replybot"
	}
	return filepath.Join(home, ".replybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.ChainsFile = ExpandPath(cfg.General.ChainsFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

func Validate(cfg *Config) error {
	if cfg.Store.DBPath == "" {
		return fmt.Errorf("store.dbPath must not be empty")
	}
	if cfg.Poller.BaseIntervalSeconds <= 0 {
		return fmt.Errorf("poller.baseIntervalSeconds must be positive")
	}
	if cfg.Poller.MaxIntervalSeconds < cfg.Poller.BaseIntervalSeconds {
		return fmt.Errorf("poller.maxIntervalSeconds must be >= baseIntervalSeconds")
	}
	if cfg.Poller.MaxSendAttempts <= 0 {
		return fmt.Errorf("poller.maxSendAttempts must be positive")
	}
	for name, p := range cfg.Providers {
		if p.Mode != "" && p.Mode != "api" && p.Mode != "browser" {
			return fmt.Errorf("provider %s: unknown mode %q", name, p.Mode)
		}
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
