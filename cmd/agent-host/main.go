package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdesk/agentdesk/internal/api"
	"github.com/agentdesk/agentdesk/internal/common/config"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/plugins"
	"github.com/agentdesk/agentdesk/internal/runtime"
	"github.com/agentdesk/agentdesk/internal/streaming"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting agent host...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	publisher := bus.NewPublisher(eventBus, log)

	// 4. Global singletons: plugin manager, permission hub, workspace manager
	pluginManager := plugins.NewManager(cfg.Plugins.CacheDir, log)
	permissionHub := runtime.NewPermissionHub(publisher, log)

	workspaceCfg := runtime.WorkspaceConfig{
		TerminalBufferBytes:   cfg.Terminal.OutputBufferBytes,
		ConnectTimeout:        cfg.Agent.ConnectTimeoutDuration(),
		ShutdownGrace:         cfg.Agent.ShutdownGraceDuration(),
		RequireReadPermission: cfg.Agent.RequireReadPermission,
	}
	workspaceManager := runtime.NewWorkspaceManager(workspaceCfg, pluginManager, permissionHub, publisher, log)

	installer := runtime.NewPluginInstaller(permissionHub, pluginManager, publisher, log)

	// 5. Event stream hub
	streamHub, err := streaming.NewHub(eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize streaming hub", zap.Error(err))
	}
	defer streamHub.Close()

	// 6. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.ErrorHandler(log))
	router.Use(api.CORS())

	v1Group := router.Group("/api/v1")
	api.SetupRoutes(v1Group, workspaceManager, permissionHub, pluginManager, installer, streamHub, log)

	handler := api.NewHandler(workspaceManager, permissionHub, pluginManager, installer, log)
	router.GET("/health", handler.HealthCheck)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	<-gctx.Done()
	log.Info("Shutting down agent host...")

	// 7. Graceful shutdown: drain HTTP, then tear workspaces down (agents,
	// terminals, pending permissions).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	workspaceManager.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		log.Error("Run group error", zap.Error(err))
	}

	log.Info("Agent host stopped")
}
