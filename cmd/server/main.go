package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yegors/co-desk/internal/api"
	"github.com/yegors/co-desk/internal/config"
	"github.com/yegors/co-desk/internal/handoff"
	"github.com/yegors/co-desk/internal/history"
	"github.com/yegors/co-desk/internal/id"
	"github.com/yegors/co-desk/internal/notify"
	"github.com/yegors/co-desk/internal/pending"
	"github.com/yegors/co-desk/internal/presence"
	"github.com/yegors/co-desk/internal/queue"
	"github.com/yegors/co-desk/internal/relay"
	"github.com/yegors/co-desk/internal/session"
	"github.com/yegors/co-desk/internal/storage/sqlite"
	"github.com/yegors/co-desk/internal/websocket"
	"github.com/yegors/co-desk/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Co-Desk server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	if err := id.Init(cfg.Server.NodeID); err != nil {
		log.Error("Failed to initialize ID generator", logger.Error(err))
		os.Exit(1)
	}

	// Connect to the shared store
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error("Invalid redis url", logger.Error(err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		log.Error("Failed to connect to redis", logger.String("addr", redisOpts.Addr), logger.Error(err))
		os.Exit(1)
	}
	log.Info("Connected to redis", logger.String("addr", redisOpts.Addr))

	// Create feedback storage
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", cfg.Storage.SQLitePath))
		os.Exit(1)
	}
	feedbackStorage, err := sqlite.NewFeedbackStorage(cfg.Storage.SQLitePath, Version, log)
	if err != nil {
		log.Error("Failed to create feedback storage", logger.Error(err))
		os.Exit(1)
	}
	defer feedbackStorage.Close()
	log.Info("Using SQLite feedback storage", logger.String("path", cfg.Storage.SQLitePath))

	prefix := cfg.Redis.KeyPrefix
	historyManager := history.NewManager(rdb, prefix, cfg.HistoryTTL(), log)
	gate := pending.NewGate(rdb, prefix, log)

	service := handoff.NewService(handoff.Deps{
		Store: session.NewStore(rdb, session.Options{
			Prefix:       prefix,
			TTL:          cfg.SessionTTL(),
			SummaryLastN: cfg.Handoff.SummaryLastN,
			Summarizer:   historyManager,
		}, log),
		Queue:       queue.New(rdb, prefix, log),
		Presence:    presence.NewRegistry(rdb, prefix, cfg.HeartbeatTTL(), log),
		Bus:         notify.NewBus(rdb, prefix, log),
		Connections: relay.NewRegistry(log),
		Gate:        gate,
		Transcript:  historyManager,
		Feedback:    feedbackStorage,
	}, handoff.Config{
		ConfirmationTTL: time.Duration(cfg.Handoff.ConfirmationTTLMinutes) * time.Minute,
		ChatURL:         cfg.Handoff.ChatURL,
		DefaultLanguage: cfg.Handoff.DefaultLanguage,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create WebSocket server and feed it the global notifications
	wsServer := websocket.NewServer(cfg.Server.CORSAllowedOrigins, log)
	go wsServer.Run(ctx)

	notifications, err := service.Subscribe(ctx, notify.GlobalTopic)
	if err != nil {
		log.Error("Failed to subscribe to notifications", logger.Error(err))
		os.Exit(1)
	}
	defer notifications.Close()
	go wsServer.Forward(ctx, notifications)

	// Create API router
	handler := api.NewHandler(service, feedbackStorage, historyManager, gate, wsServer, rdb, cfg, log)
	router := api.NewRouter(handler, cfg.Server.CORSAllowedOrigins, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")

	// Stops the dashboard hub and the notification forwarder
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.String("addr", server.Addr), logger.Error(err))
	} else {
		log.Info("HTTP server shutdown complete", logger.String("addr", server.Addr))
	}

	log.Info("Server fully stopped")
}
