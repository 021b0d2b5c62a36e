package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jholhewres/crmclaw/pkg/crmclaw/agent"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/cache"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/config"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/queue"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/resolver"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/secrets"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/server"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/slack"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/store"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/tools"
	"github.com/jholhewres/crmclaw/pkg/crmclaw/worker"
)

// newServeCmd creates the `crmclaw serve` command that starts the service.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook service and worker pool",
		Long: `Start crmclaw as a service: the signed webhook listener, the job
worker pool, and the maintenance scheduler.

Examples:
  crmclaw serve
  crmclaw serve --config ./config.yaml`,
		RunE: runServe,
	}
	return cmd
}

// runServe constructs every component explicitly and wires them
// together. Nothing here lives in package-level state; shutdown walks
// the same graph in reverse.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	// Secrets: vault (if present and unlockable) wins, then keyring,
	// environment, and finally plaintext config.
	vault := unlockVaultIfPresent(logger)
	res := secrets.NewResolver(vault, logger)
	apiKey := res.Resolve(secrets.KeyAPIKey, "CRMCLAW_API_KEY", cfg.API.APIKey)
	signingSecret := res.Resolve(secrets.KeySlackSigningSecret, "SLACK_SIGNING_SECRET", cfg.Slack.SigningSecret)
	botToken := res.Resolve(secrets.KeySlackBotToken, "SLACK_BOT_TOKEN", cfg.Slack.BotToken)

	if apiKey == "" {
		return fmt.Errorf("no LLM API key configured; run 'crmclaw setup'")
	}
	if signingSecret == "" || botToken == "" {
		return fmt.Errorf("chat workspace credentials missing; run 'crmclaw setup'")
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	dataCache := cache.New(st,
		time.Duration(cfg.Cache.InventoryTTLSeconds)*time.Second,
		time.Duration(cfg.Cache.ComponentTTLSeconds)*time.Second,
		logger)

	q := queue.New(st.DB(), queue.Config{
		MaxAttempts:     cfg.Queue.MaxAttempts,
		BackoffBase:     time.Duration(cfg.Queue.BackoffBaseSeconds) * time.Second,
		Retention:       cfg.Queue.Retention,
		InflightTimeout: time.Duration(cfg.Queue.InflightTimeoutMinutes) * time.Minute,
	}, logger)

	registry := tools.DefaultRegistry(logger)
	llm := agent.NewLLMClient(cfg.API.BaseURL, apiKey, cfg.Model,
		time.Duration(cfg.Agent.LLMCallTimeoutSeconds)*time.Second, logger)
	chat := slack.NewClient(botToken, logger)

	loop := agent.NewLoop(st, dataCache, registry, llm, chat, agent.Config{
		MaxTurns:       cfg.Agent.MaxTurns,
		LLMCallTimeout: time.Duration(cfg.Agent.LLMCallTimeoutSeconds) * time.Second,
	}, logger)

	pool := worker.NewPool(q, st, loop, chat, worker.Config{
		Workers:      cfg.Queue.Workers,
		PollInterval: time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second,
	}, logger)

	verifier := slack.NewVerifier(signingSecret,
		time.Duration(cfg.Slack.ReplayWindowSeconds)*time.Second)
	gateway := slack.NewGateway(verifier, slack.NewDeduper(), st, q,
		resolver.New(st, logger), chat, cfg.AccountID, logger)

	srv := server.New(cfg.HTTP.Addr, gateway, st, q, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)

	maintenance := startMaintenance(ctx, cfg, st, dataCache, q, gateway, logger)
	defer maintenance.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("crmclaw running", "name", cfg.Name, "addr", cfg.HTTP.Addr, "workers", cfg.Queue.Workers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("worker drain timed out, forcing exit")
	}
	return nil
}

// startMaintenance schedules the recurring housekeeping: cache expiry
// sweep, stalled dispatch reclaim, queue retention prune, and the
// webhook dedup reset.
func startMaintenance(ctx context.Context, cfg *config.Config, st *store.Store, dataCache *cache.Cache, q *queue.Queue, gateway *slack.Gateway, logger *slog.Logger) *cron.Cron {
	c := cron.New()
	maintLogger := logger.With("component", "maintenance")

	c.AddFunc("@every 15m", func() {
		if n, err := dataCache.Sweep(ctx); err != nil {
			maintLogger.Warn("cache sweep failed", "error", err)
		} else if n > 0 {
			maintLogger.Info("cache swept", "removed", n)
		}
	})
	c.AddFunc("@every 5m", func() {
		if n, err := q.Reclaim(ctx); err != nil {
			maintLogger.Warn("queue reclaim failed", "error", err)
		} else if n > 0 {
			maintLogger.Info("stalled dispatches requeued", "count", n)
		}
	})
	c.AddFunc("@every 1h", func() {
		if n, err := q.Prune(ctx); err != nil {
			maintLogger.Warn("queue prune failed", "error", err)
		} else if n > 0 {
			maintLogger.Info("queue pruned", "removed", n)
		}
	})

	dedupEvery := time.Duration(cfg.Slack.DedupResetMinutes) * time.Minute
	if dedupEvery <= 0 {
		dedupEvery = 10 * time.Minute
	}
	c.AddFunc(fmt.Sprintf("@every %s", dedupEvery), func() {
		gateway.Dedup().Reset()
	})

	c.Start()
	return c
}

// buildLogger creates the service logger from config and the --verbose
// flag.
func buildLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// resolveConfig loads the config from the --config flag or the default
// location.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
