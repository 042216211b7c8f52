package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"replybot/internal/bus"
	"replybot/internal/capability"
	"replybot/internal/channel"
	"replybot/internal/classifier"
	"replybot/internal/config"
	"replybot/internal/domain"
	"replybot/internal/executor"
	"replybot/internal/poller"
	"replybot/internal/provider"
	"replybot/internal/scheduler"
	"replybot/internal/server"
	"replybot/internal/store"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "replybot",
		Short: "replybot: command interpreter and multi-channel auto-reply engine",
		Long:  "replybot classifies natural-language commands, routes them through AI provider chains, and auto-replies to inbound messages across email, telegram, slack, whatsapp and discord.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.replybot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(commandCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(settingCmd())
	root.AddCommand(daemonCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(config.ExpandPath(cfg.General.Workspace), 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", cfg.General.Workspace)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("replybot " + version)
		},
	}
}

// engine bundles the wired core shared by the run and command subcommands.
type engine struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	registry *capability.Registry
	executor *executor.Executor
	pipeline *poller.Pipeline
}

func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	factory := provider.NewFactory(cfg, st, logger)
	providers := factory.Build(ctx)

	registry := capability.NewRegistry(logger)
	layout, err := capability.LoadChainLayout(cfg.General.ChainsFile, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	if layout == nil {
		layout = capability.DefaultChainLayout()
	}
	layout.Build(registry, providers, logger)

	cls := classifier.New(classifier.Config{
		Generator: registry,
		Timeout:   time.Duration(cfg.Executor.ClassifyTimeoutSeconds) * time.Second,
		Logger:    logger,
	})

	exec := executor.New(executor.Config{
		Classifier:    cls,
		Registry:      registry,
		Commands:      st,
		Ledger:        st,
		InvokeTimeout: time.Duration(cfg.Executor.InvokeTimeoutSeconds) * time.Second,
		OrphanAfter:   time.Duration(cfg.Executor.OrphanAfterSeconds) * time.Second,
		Logger:        logger,
	})

	pipeline := poller.NewPipeline(poller.PipelineConfig{
		Dedup:           st,
		Ledger:          st,
		Registry:        registry,
		MaxSendAttempts: cfg.Poller.MaxSendAttempts,
		InvokeTimeout:   time.Duration(cfg.Executor.InvokeTimeoutSeconds) * time.Second,
		Logger:          logger,
	})

	return &engine{cfg: cfg, store: st, registry: registry, executor: exec, pipeline: pipeline}, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine (pollers + push channels + API server)",
		Long:  "Starts every enabled channel, the auto-reply pollers, the orphan sweep, and the HTTP API. Press Ctrl+C to stop.",
		RunE:  runEngine,
	}
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	sup := poller.NewSupervisor(eng.pipeline, messageBus, logger)

	backoffBase := time.Duration(cfg.Poller.BaseIntervalSeconds) * time.Second
	backoffMax := time.Duration(cfg.Poller.MaxIntervalSeconds) * time.Second
	cycleTimeout := time.Duration(cfg.Poller.CycleTimeoutSeconds) * time.Second

	addPoller := func(ch domain.InboundChannel) {
		sup.AddPoller(poller.New(poller.Config{
			Channel:      ch,
			Checkpoints:  eng.store,
			Pipeline:     eng.pipeline,
			Backoff:      poller.NewBackoff(backoffBase, backoffMax),
			CycleTimeout: cycleTimeout,
			Logger:       logger,
		}))
		logger.Info("channel enabled (polled)", "channel", ch.Name())
	}

	if cfg.Channels.Email.Enabled {
		addPoller(channel.NewEmail(channel.EmailConfig{
			APIBase:     cfg.Channels.Email.APIBase,
			AccessToken: cfg.Channels.Email.AccessToken,
			Query:       cfg.Channels.Email.Query,
			MaxResults:  cfg.Channels.Email.MaxResults,
			Logger:      logger,
		}))
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := channel.NewTelegram(cfg.Channels.Telegram.Token, logger)
		if err != nil {
			logger.Error("telegram channel disabled", "error", err)
		} else {
			addPoller(tg)
		}
	}
	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.BotToken != "" {
		addPoller(channel.NewSlack(cfg.Channels.Slack.BotToken, cfg.Channels.Slack.ChannelID, logger))
	}

	var whatsapp *channel.WhatsApp
	if cfg.Channels.WhatsApp.Enabled {
		whatsapp = channel.NewWhatsApp(channel.WhatsAppConfig{
			APIBase:       cfg.Channels.WhatsApp.APIBase,
			AccessToken:   cfg.Channels.WhatsApp.AccessToken,
			VerifyToken:   cfg.Channels.WhatsApp.VerifyToken,
			PhoneNumberID: cfg.Channels.WhatsApp.PhoneNumberID,
			Logger:        logger,
		})
		if err := sup.AddPushChannel(ctx, whatsapp); err != nil {
			logger.Error("whatsapp channel failed to start", "error", err)
			whatsapp = nil
		} else {
			logger.Info("channel enabled (push)", "channel", "whatsapp")
		}
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := channel.NewDiscord(cfg.Channels.Discord.Token, logger)
		if err != nil {
			logger.Error("discord channel disabled", "error", err)
		} else if err := sup.AddPushChannel(ctx, dc); err != nil {
			logger.Error("discord channel failed to start", "error", err)
		} else {
			logger.Info("channel enabled (push)", "channel", "discord")
		}
	}

	sched := scheduler.New(ctx, logger)
	if err := sched.Add("@every 1m", "orphan_sweep", eng.executor.SweepOrphans); err != nil {
		return fmt.Errorf("schedule orphan sweep: %w", err)
	}
	sched.Start()

	sup.Start(ctx)

	if cfg.API.Enabled {
		srv := server.New(server.Config{
			API:          cfg.API,
			Executor:     eng.executor,
			Commands:     eng.store,
			Ledger:       eng.store,
			Bus:          messageBus,
			WhatsApp:     whatsapp,
			WhatsAppPath: cfg.Channels.WhatsApp.WebhookPath,
			Logger:       logger,
		})
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("API server error", "error", err)
			}
		}()
	}

	logger.Info("replybot running. Press Ctrl+C to stop.", "version", version)

	<-ctx.Done()
	logger.Info("shutting down...")

	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out, forcing exit")
	}
	return nil
}

func commandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "command [text]",
		Short: "Execute a single command and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.store.Close()

			text := ""
			for i, a := range args {
				if i > 0 {
					text += " "
				}
				text += a
			}

			rec := eng.executor.Execute(ctx, text)
			fmt.Printf("[%s] %s\n", rec.Status, rec.ResultText)
			if rec.ErrorDetail != "" {
				fmt.Fprintf(os.Stderr, "detail: %s\n", rec.ErrorDetail)
			}
			if rec.Status == domain.StatusFailed {
				return fmt.Errorf("command failed")
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show today's activity and recent commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ctx := context.Background()
			counts, err := st.CountsForDay(ctx, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("today: %d commands, %d auto-replies, %d posts\n",
				counts.Commands, counts.Replies, counts.Posts)

			cmds, err := st.RecentCommands(ctx, 10)
			if err != nil {
				return err
			}
			for _, c := range cmds {
				fmt.Printf("  %s  %-18s %-10s %s\n",
					c.CreatedAt.Format("15:04:05"), c.Intent, c.Status, truncateLine(c.RawText, 48))
			}
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [provider]",
		Short: "Open a browser to log in to a web-based provider (gemini_web)",
		Long:  "Opens a visible Chrome window for you to log in. Cookies are saved for later headless use.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.store.Close()

			type loginable interface {
				Login(context.Context) error
			}
			for _, p := range eng.registry.Chain(domain.IntentGeneralQuery) {
				if p.Name() != args[0] {
					continue
				}
				if l, ok := p.(loginable); ok {
					return l.Login(ctx)
				}
				return fmt.Errorf("provider %s does not support browser login", args[0])
			}
			return fmt.Errorf("unknown or disabled provider: %s", args[0])
		},
	}
}

func settingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setting",
		Short: "View and modify runtime settings stored in the database",
	}

	openStore := func() (*store.SQLiteStore, error) {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return store.NewSQLiteStore(cfg.Store.DBPath, logger)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Get a setting value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			val, ok, err := st.Setting(context.Background(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("setting %s not found", args[0])
			}
			data, _ := json.Marshal(map[string]string{args[0]: val})
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a setting value (e.g. provider.gemini.api_key)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SetSetting(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			logger.Info("setting updated", "key", args[0])
			return nil
		},
	})

	return cmd
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
