package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.replybot/workspace",
			LogLevel:  "info",
		},
		Providers: map[string]ProviderConfig{
			"openrouter": {
				Enabled:      true,
				Mode:         "api",
				APIBase:      "https://openrouter.ai/api/v1",
				APIKey:       "${OPENROUTER_API_KEY:-}",
				DefaultModel: "meta-llama/llama-3.1-8b-instruct:free",
			},
			"deepseek": {
				Enabled:      true,
				Mode:         "api",
				APIBase:      "https://api.deepseek.com/v1",
				APIKey:       "${DEEPSEEK_API_KEY:-}",
				DefaultModel: "deepseek-chat",
			},
			"gemini": {
				Enabled:      true,
				Mode:         "api",
				APIBase:      "https://generativelanguage.googleapis.com/v1beta",
				APIKey:       "${GEMINI_API_KEY:-}",
				DefaultModel: "gemini-2.0-flash",
			},
			"huggingface": {
				Enabled: true,
				Mode:    "api",
				APIBase: "https://api-inference.huggingface.co",
				APIKey:  "${HUGGINGFACE_API_KEY:-}",
			},
			"gemini_web": {
				Enabled: false,
				Mode:    "browser",
			},
			"facebook": {
				Enabled: true,
				Mode:    "api",
				APIBase: "https://graph.facebook.com/v17.0",
				APIKey:  "${FACEBOOK_ACCESS_TOKEN:-}",
			},
		},
		Channels: ChannelsConfig{
			Email: EmailConfig{
				Enabled:    false,
				Query:      "is:unread",
				MaxResults: 10,
			},
			WhatsApp: WhatsAppConfig{
				Enabled:     false,
				APIBase:     "https://graph.facebook.com/v17.0",
				WebhookPath: "/webhooks/whatsapp",
			},
			Telegram: TelegramConfig{Enabled: false},
			Slack:    SlackConfig{Enabled: false},
			Discord:  DiscordConfig{Enabled: false},
		},
		Executor: ExecutorConfig{
			ClassifyTimeoutSeconds: 10,
			InvokeTimeoutSeconds:   60,
			OrphanAfterSeconds:     300,
		},
		Poller: PollerConfig{
			BaseIntervalSeconds: 300,
			MaxIntervalSeconds:  2400,
			CycleTimeoutSeconds: 120,
			MaxSendAttempts:     3,
		},
		Store: StoreConfig{
			DBPath: "~/.replybot/replybot.db",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
			Metrics: true,
		},
	}
}
