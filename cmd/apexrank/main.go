package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/sigumaa/apexrank/internal/apex"
	"github.com/sigumaa/apexrank/internal/config"
	"github.com/sigumaa/apexrank/internal/discordx"
	"github.com/sigumaa/apexrank/internal/dispatch"
	"github.com/sigumaa/apexrank/internal/logging"
	"github.com/sigumaa/apexrank/internal/metrics"
	"github.com/sigumaa/apexrank/internal/panel"
	"github.com/sigumaa/apexrank/internal/scheduler"
	"github.com/sigumaa/apexrank/internal/store"
	"github.com/sigumaa/apexrank/internal/task"
)

type app struct {
	ctx         context.Context
	cfg         config.Config
	logger      *zap.Logger
	coordinator *panel.Coordinator
	runSeq      atomic.Uint64
}

func main() {
	configPath := flag.String("config", "runtime/config.yaml", "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("apexrank_failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	settings, err := store.NewStore(cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	discord, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	discord.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	discord.State.TrackMembers = true
	discord.State.TrackRoles = true

	collector := metrics.NewCollector()
	runner := task.NewRunner(cfg.Updates.TaskTimeout(), logger, task.WithObserver(collector))
	statsClient := apex.NewClient(apex.Config{
		BaseURL:  cfg.Apex.BaseURL,
		APIKey:   cfg.Apex.APIKey,
		Timeout:  cfg.Apex.Timeout(),
		CacheTTL: cfg.Apex.CacheTTL(),
		Logger:   logger.Named("apex"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator, err := panel.New(ctx, panel.Config{
		PanelThrottle: cfg.Updates.PanelThrottle(),
		Queue: dispatch.Config{
			Concurrency: cfg.Updates.QueueConcurrency,
			Pause:       cfg.Updates.QueuePause(),
		},
		Scheduler: scheduler.Config{
			PollInterval: cfg.Updates.SchedulerPoll(),
			MaxJitter:    cfg.Updates.SchedulerJitter(),
		},
		StatusInterval:   cfg.Updates.StatusInterval(),
		PanelInterval:    cfg.Updates.PanelInterval(),
		PresenceInterval: cfg.Updates.PresenceInterval(),
	}, panel.Deps{
		Store:   settings,
		Gateway: discordx.NewGateway(discord, logger.Named("discord")),
		Status:  statsClient,
		Runner:  runner,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create panel coordinator: %w", err)
	}
	collector.WatchStats(coordinator)

	a := &app{ctx: ctx, cfg: cfg, logger: logger, coordinator: coordinator}
	discord.AddHandler(a.onReady)
	discord.AddHandler(a.onGuildCreate)
	discord.AddHandler(a.onGuildDelete)
	discord.AddHandler(a.onMemberAdd)
	discord.AddHandler(a.onMemberRemove)
	discord.AddHandler(a.onMemberUpdate)
	discord.AddHandler(a.onRoleDelete)
	discord.AddHandler(a.onInteraction)

	errCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		srv, err := metrics.New(cfg.Metrics.Bind, collector, coordinator, logger.Named("metrics"))
		if err != nil {
			return fmt.Errorf("create metrics server: %w", err)
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				errCh <- err
				stop()
			}
		}()
		logger.Info("metrics_server_started", zap.String("url", srv.URL()))
	}

	if err := discord.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	if err := registerCommands(discord, cfg.Discord.DevGuildID); err != nil {
		logger.Error("commands_register_failed", zap.Error(err))
	}
	if err := coordinator.Start(ctx); err != nil {
		_ = discord.Close()
		return fmt.Errorf("start scheduler: %w", err)
	}

	logger.Info("apexrank_started",
		zap.String("data_dir", cfg.Data.Dir),
		zap.Duration("panel_throttle", cfg.Updates.PanelThrottle()),
		zap.Int("queue_concurrency", cfg.Updates.QueueConcurrency),
		zap.Duration("status_interval", cfg.Updates.StatusInterval()),
		zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("metrics server: %w", err)
	}
	stop()

	logger.Info("shutdown_started")
	runShutdownStep(logger, "coordinator_stop", 10*time.Second, coordinator.Stop)
	runShutdownStep(logger, "discord_close", 2*time.Second, func() {
		_ = discord.Close()
	})
	logger.Info("apexrank_stopped")
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
