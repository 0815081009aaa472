package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gridtrader/internal/alert"
	"gridtrader/internal/api"
	"gridtrader/internal/auth"
	"gridtrader/internal/config"
	"gridtrader/internal/core"
	"gridtrader/internal/exchange"
	"gridtrader/internal/health"
	"gridtrader/internal/notify"
	"gridtrader/internal/ratelimit"
	"gridtrader/internal/recovery"
	"gridtrader/internal/session"
	"gridtrader/internal/store"
	"gridtrader/pkg/logging"
	"gridtrader/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gridserver.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gridserver version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting gridserver",
		"version", version,
		"exchange", cfg.Exchange.BaseURL,
		"listen_addr", cfg.Server.ListenAddr,
	)

	tel, err := telemetry.Setup("gridtrader")
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	// Persistent stores
	mongo, err := store.New(runCtx, cfg.Mongo.URI.Value(), cfg.Mongo.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to document store", "error", err)
	}

	history, err := store.OpenHistory(cfg.History.Path, logger)
	if err != nil {
		logger.Fatal("Failed to open fill history store", "error", err)
	}

	// Nonce store with in-process fallback for store outages
	nonces := auth.NewFallbackNonceStore(mongo.Nonces(), logger)
	nonces.StartSweeper(runCtx, time.Minute)
	verifier := auth.NewVerifier(nonces, logger)

	// Shared REST budget across all sessions
	guard := ratelimit.NewGuard(ratelimit.Config{
		RPM:           cfg.RateLimit.MaxRequestsPerMinute,
		SafetyMargin:  1 - cfg.RateLimit.SafetyMarginPercent/100,
		BackoffWindow: time.Duration(cfg.RateLimit.BackoffSeconds) * time.Second,
	}, logger)

	wsManager := notify.NewManager(notify.ManagerConfig{
		MaxConnections: cfg.Sessions.MaxWSConnections,
		Client:         notify.ClientConfig{URL: cfg.Exchange.WSURL},
	}, logger)
	wsManager.StartReaper(runCtx)

	supervisor := recovery.NewSupervisor(logger)

	factory := func(creds core.Credentials) core.IExchange {
		return exchange.NewClient(cfg.Exchange.BaseURL, creds, guard, logger)
	}
	manager := session.NewManager(session.ManagerConfig{
		MaxConcurrentCreating: cfg.Sessions.MaxConcurrentCreating,
		MaxCreationsPerSecond: cfg.Sessions.MaxCreationsPerSecond,
	}, mongo.Users(), mongo.Sessions(), factory, session.Deps{
		WSManager: wsManager,
		History:   history,
		ErrSink:   supervisor,
		Logger:    logger,
	}, logger)

	// Recovery actions, consulted in order
	supervisor.Register(&recovery.SessionRestartAction{
		Cleanup: func(ctx context.Context, sessionID string) error {
			return manager.ForceCleanup(ctx, sessionID)
		},
	})
	supervisor.Register(recovery.AutoRecover(&recovery.WebSocketReconnectAction{
		Reconnect: wsManager.Reconnect,
	}))
	supervisor.Register(recovery.MemoryCleanupAction{})

	// Alerting
	alerts := alert.NewManager(logger)
	if url := cfg.Alerts.SlackWebhookURL.Value(); url != "" {
		alerts.AddChannel(alert.NewSlackChannel(url))
	}
	if token := cfg.Alerts.TelegramBotToken.Value(); token != "" {
		alerts.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}

	monitor := health.NewMonitor(health.Config{
		Interval: time.Duration(cfg.Health.IntervalSeconds) * time.Second,
		DiskPath: cfg.Health.DiskPath,
		Thresholds: health.Thresholds{
			CPUWarn: 70, CPUCritical: 80,
			MemWarn: 80, MemCritical: 85,
			DiskWarn: 85, DiskCritical: 90,
			MaxSessions: cfg.Sessions.MaxActiveSessions,
		},
	}, manager.Count, wsManager.Count, alerts.HealthHook(), logger)
	monitor.Start(runCtx)

	server := api.NewServer(api.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, manager, verifier, monitor, supervisor, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()
	server.SetReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	server.SetReady(false)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	manager.StopAll(shutdownCtx)
	cancelRun()
	alerts.Drain()

	if err := history.Close(); err != nil {
		logger.Error("History store close failed", "error", err)
	}
	if err := mongo.Close(shutdownCtx); err != nil {
		logger.Error("Document store close failed", "error", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown failed", "error", err)
	}
	logger.Info("Shutdown complete")
}
