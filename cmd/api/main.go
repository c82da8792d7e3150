package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"practice-portal/notification-service/internal/bootstrap"
	"practice-portal/notification-service/internal/config"
	"practice-portal/notification-service/internal/digest"
	"practice-portal/notification-service/internal/events"
	"practice-portal/notification-service/internal/metrics"
	"practice-portal/notification-service/internal/notifications"
	"practice-portal/notification-service/internal/notifications/websocket"
	"practice-portal/notification-service/internal/settings"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := bootstrap.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server stopped", zap.Error(err))
	}
	logger.Info("Server exiting")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat, err := bootstrap.LoadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}
	schedulerCfg, err := bootstrap.SchedulerConfig(cfg.Digest)
	if err != nil {
		return err
	}
	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	m := metrics.New("notification_service")
	bus := events.NewBus()

	store := settings.NewStore(stores.Settings, cat, bus, m, logger)
	scheduler, err := digest.NewScheduler(stores.Buckets, events.NewBusSink(bus, digest.TopicBatch), schedulerCfg, m, logger)
	if err != nil {
		return err
	}
	dispatcher := notifications.NewDispatcher(store, scheduler, stores.History, bus, m, logger)
	dispatcher.Subscribe()
	defer dispatcher.Close()

	hub := websocket.NewManager(cfg.Server.AllowedOrigins, logger)
	defer hub.Close()
	defer notifications.StreamTo(bus, hub)()

	if cfg.Redis.Enabled {
		relay, err := bootstrap.NewRelay(ctx, cfg.Redis, bus, logger)
		if err != nil {
			return err
		}
		// runs after stop() so inbound loops have seen ctx end
		defer func() {
			stop()
			if err := relay.Close(); err != nil {
				logger.Warn("Failed to close redis relay", zap.Error(err))
			}
		}()

		bootstrap.Outbound(relay, notifications.TopicDelivery)
		bootstrap.Inbound(ctx, relay, notifications.TopicEvent)
		if cfg.Digest.RunScheduler {
			bootstrap.Outbound(relay, digest.TopicBatch)
		} else {
			bootstrap.Inbound(ctx, relay, digest.TopicBatch)
		}
	}

	if cfg.Digest.RunScheduler {
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	router := newRouter(cfg, logger, m, hub,
		settings.NewHandler(store),
		notifications.NewHandler(dispatcher, stores.History))

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	logger.Info("Server started", zap.String("addr", srv.Addr))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

type routeRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

func newRouter(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, hub *websocket.Manager, handlers ...routeRegistrar) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	// CORS Middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+settings.UserHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	api := router.Group("/api/v1")
	for _, h := range handlers {
		h.RegisterRoutes(api)
	}

	router.GET("/ws", settings.RequireUser(), hub.Handler())
	router.GET("/metrics", m.Handler())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"connections": hub.ConnectionCount(),
		})
	})
	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
