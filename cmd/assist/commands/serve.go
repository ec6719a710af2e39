package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GTFB/forlifely-sub005/pkg/assist/assistant"
	"github.com/GTFB/forlifely-sub005/pkg/assist/channels"
	"github.com/GTFB/forlifely-sub005/pkg/assist/channels/discord"
	"github.com/GTFB/forlifely-sub005/pkg/assist/channels/telegram"
	"github.com/GTFB/forlifely-sub005/pkg/assist/channels/whatsapp"
	"github.com/GTFB/forlifely-sub005/pkg/assist/store"
	"github.com/spf13/cobra"
)

// newServeCmd creates the `assist serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with messaging channels",
		Long: `Start assist as a daemon service, connecting to enabled channels
(WhatsApp, Telegram, Discord) and processing conversation events.

Examples:
  assist serve
  assist serve --channel whatsapp
  assist serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (whatsapp, telegram, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return fmt.Errorf("%w\nRun 'assist setup' to create a configuration file", err)
	}

	// ── Configure logger ──
	logger := buildLogger(cmd, cfg)
	logger.Info("config loaded", "path", configPath)

	// ── Resolve secrets ──
	// Keyring first, then config/env value, then provider env var.
	assistant.ResolveAPIKey(cfg, logger)

	// ── Open store ──
	db, err := store.OpenSQLite(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Register channels ──
	mgr := channels.NewManager(logger)
	channelFilter, _ := cmd.Flags().GetStringSlice("channel")

	if shouldEnable("whatsapp", channelFilter, cfg.Channels.WhatsApp.Enabled) {
		wa := whatsapp.New(cfg.Channels.WhatsApp, logger)
		if err := mgr.Register(wa); err != nil {
			logger.Error("failed to register WhatsApp", "error", err)
		} else {
			logger.Info("WhatsApp channel registered")
		}
	}

	if shouldEnable("telegram", channelFilter, cfg.Channels.Telegram.Enabled) && cfg.Channels.Telegram.Token != "" {
		tg := telegram.New(cfg.Channels.Telegram, logger)
		if err := mgr.Register(tg); err != nil {
			logger.Error("failed to register Telegram", "error", err)
		} else {
			logger.Info("Telegram channel registered")
		}
	}

	if shouldEnable("discord", channelFilter, cfg.Channels.Discord.Enabled) && cfg.Channels.Discord.Token != "" {
		dc := discord.New(cfg.Channels.Discord, logger)
		if err := mgr.Register(dc); err != nil {
			logger.Error("failed to register Discord", "error", err)
		} else {
			logger.Info("Discord channel registered")
		}
	}

	// ── Wire the pipeline ──
	llm := assistant.NewLLMClient(cfg, logger)
	summarizer := assistant.NewSummarizer(cfg.Summarizer, db, db, llm, logger)
	asst := assistant.NewAssistant(cfg, mgr, db, db, llm, llm, summarizer, logger)
	maintenance := assistant.NewMaintenance(cfg.Summarizer.SweepSchedule, summarizer, logger)

	// ── Start everything ──
	if err := mgr.Start(ctx); err != nil {
		logger.Warn("some channels failed to connect", "error", err)
	}
	asst.Start(ctx)
	if err := maintenance.Start(ctx); err != nil {
		logger.Warn("maintenance sweep not started", "error", err)
	}

	logger.Info("assist running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"participant", cfg.ParticipantID,
	)

	// ── Wait for shutdown ──
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		maintenance.Stop()
		asst.Stop()
		mgr.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	if dropped := asst.DroppedWrites(); dropped > 0 {
		logger.Warn("storage writes were skipped during this run", "count", dropped)
	}

	return nil
}

// resolveConfig loads config from the --config flag or auto-discovery.
func resolveConfig(cmd *cobra.Command) (*assistant.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := assistant.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, configPath, nil
	}

	if found := assistant.FindConfigFile(); found != "" {
		cfg, err := assistant.LoadConfigFromFile(found)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, found, nil
	}

	return nil, "", fmt.Errorf("no configuration file found")
}

// buildLogger creates the slog logger from config and the --verbose flag.
func buildLogger(cmd *cobra.Command, cfg *assistant.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// shouldEnable checks whether a channel should start, honoring the
// --channel filter when given.
func shouldEnable(name string, filter []string, defaultEnabled bool) bool {
	if len(filter) == 0 {
		return defaultEnabled
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}
