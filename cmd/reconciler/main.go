package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	v1 "carbon-scribe/ledger-reconciler/api/v1"
	"carbon-scribe/ledger-reconciler/internal/auth"
	"carbon-scribe/ledger-reconciler/internal/config"
	"carbon-scribe/ledger-reconciler/internal/ledger"
	"carbon-scribe/ledger-reconciler/internal/logging"
	"carbon-scribe/ledger-reconciler/internal/mirror"
	"carbon-scribe/ledger-reconciler/internal/notifications"
	"carbon-scribe/ledger-reconciler/internal/notifications/websocket"
	"carbon-scribe/ledger-reconciler/internal/refresh"
	"carbon-scribe/ledger-reconciler/internal/session"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	once := flag.Bool("once", false, "reconcile once, print the snapshot and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize logger
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	var signer ledger.Signer
	if key, err := ledger.KeySignerFromEnv(cfg.Wallet.PrivateKeyEnv); err != nil {
		logger.Warn("No wallet key, running read-only", zap.String("env", cfg.Wallet.PrivateKeyEnv), zap.Error(err))
	} else {
		signer = key
		logger.Info("Wallet loaded", zap.String("account", key.Address().Hex()))
	}

	store := mirror.NewStore(3 * cfg.Refresh.Interval)
	manager := session.NewManager(session.OptionsFromConfig(cfg, signer), store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		code := reconcileOnce(ctx, manager, logger)
		stop()
		logger.Sync()
		os.Exit(code)
	}

	// Push feed
	feedServer := websocket.NewManager(logger)
	feed := notifications.NewFeed(feedServer, logger)
	manager.OnTransaction(feed.Transaction)
	snapshots, unsubscribe := store.Subscribe(16)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		feed.Run(ctx, snapshots)
	}()

	// A failed connect is retried by the scheduler
	if _, err := manager.Connect(ctx); err != nil {
		logger.Warn("Initial connection failed", zap.Error(err))
	}

	scheduler := refresh.NewScheduler(manager, refresh.Config{
		Interval:    cfg.Refresh.Interval,
		MinInterval: cfg.Refresh.MinInterval,
	}, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start refresh scheduler", zap.Error(err))
	}

	// Setup Router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := v1.NewHandler(manager, scheduler, feedServer, logger)
	router := v1.NewRouter(handler, auth.NewHandler(manager), logger)

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()
	logger.Info("Server started", zap.String("addr", srv.Addr))

	// Graceful Shutdown
	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	scheduler.Stop()
	unsubscribe()
	<-feedDone
	feedServer.Close()
	manager.Disconnect()

	logger.Info("Server exiting")
}

func reconcileOnce(ctx context.Context, manager *session.Manager, logger *zap.Logger) int {
	defer manager.Disconnect()

	snap, err := manager.ReconcileAll(ctx)
	if err != nil {
		logger.Error("Reconciliation incomplete", zap.Error(err))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(snap); encErr != nil {
		logger.Error("Failed to write snapshot", zap.Error(encErr))
		return 1
	}
	if err != nil {
		return 2
	}
	return 0
}
