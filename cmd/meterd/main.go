package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Bldg-7/agentmeter/internal/collector"
	"github.com/Bldg-7/agentmeter/internal/config"
	"github.com/Bldg-7/agentmeter/internal/mcptools"
	"github.com/Bldg-7/agentmeter/internal/meter"
	"github.com/Bldg-7/agentmeter/internal/shared"
	"github.com/Bldg-7/agentmeter/internal/storage"
)

func main() {
	configPath := flag.String("config", "./meterd.config.json", "path to meterd config file")
	devMode := flag.Bool("dev", false, "enable development logging")
	flag.Parse()

	logger, err := shared.NewLogger(*devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
	)

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	if err := storage.Migrate(db); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	meter.InitMetrics()
	logger.Info("metrics initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewStore(db)
	engine := meter.NewEngine(store, cfg.Pricing, logger)

	feed := meter.NewFeed(ctx, cfg.Server.AuthToken, cfg.Server.AllowedOrigins, logger)
	go feed.Run()
	engine.SetFeed(feed)

	if token := cfg.Alerts.Discord.BotToken; token != "" {
		notifier, notifierErr := meter.NewDiscordNotifier(token, cfg.Alerts.Discord.ChannelID, logger)
		if notifierErr != nil {
			logger.Error("failed to create discord notifier", zap.Error(notifierErr))
		} else {
			engine.SetNotifier(notifier)
			logger.Info("discord budget alerts enabled",
				zap.String("channel_id", cfg.Alerts.Discord.ChannelID),
			)
		}
	}

	api := meter.NewHTTPAPI(engine, db, cfg.Server.AuthToken, logger)
	api.SetFeed(feed)
	if cfg.Server.MinSDKVersion != "" {
		constraint, constraintErr := semver.NewConstraint(cfg.Server.MinSDKVersion)
		if constraintErr != nil {
			logger.Error("invalid min_sdk_version constraint", zap.Error(constraintErr))
			os.Exit(1)
		}
		api.SetSDKConstraint(constraint)
		logger.Info("sdk version gate enabled",
			zap.String("constraint", cfg.Server.MinSDKVersion),
		)
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Server.HTTPPort)
	shutdownHTTP, err := meter.StartHTTPServer(addr, api.Handler(), logger)
	if err != nil {
		logger.Error("failed to start http server", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("http api started", zap.Int("http_port", cfg.Server.HTTPPort))

	mcpServer := mcptools.NewServer(engine, logger)
	go func() {
		if mcpErr := mcpServer.Start(ctx, cfg.Server.MCPPort); mcpErr != nil {
			logger.Error("mcp server stopped", zap.Error(mcpErr))
		}
	}()
	logger.Info("mcp server started", zap.Int("mcp_port", cfg.Server.MCPPort))

	if cfg.Collector.Opencode.Enabled {
		oc := collector.NewCollector(
			cfg.Collector.Opencode.BaseURL,
			cfg.Collector.Opencode.Directory,
			engine,
			logger,
		)
		go oc.Run(ctx)
		logger.Info("opencode collector started",
			zap.String("base_url", cfg.Collector.Opencode.BaseURL),
		)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := shutdownHTTP(shutdownCtx); err != nil {
		logger.Error("error during http shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("meterd exited cleanly")
	os.Exit(0)
}
