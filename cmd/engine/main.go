package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asynkron/protoactor-go/actor"

	"gator-threads/internal/config"
	"gator-threads/internal/database"
	"gator-threads/internal/engine"
	"gator-threads/internal/handlers"
	"gator-threads/internal/logging"
	"gator-threads/internal/middleware"
	"gator-threads/internal/utils"
	"gator-threads/internal/websocket"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogNoColor)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := utils.NewMetricsCollector()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	uploader, err := database.NewLocalUploader(cfg.AttachmentDir)
	if err != nil {
		return err
	}

	auth, err := middleware.NewAuthenticator(cfg.JWTSecret, logger)
	if err != nil {
		return err
	}

	// Initialize actor system
	system := actor.NewActorSystem()
	registry := engine.NewRegistry(system, engine.Options{
		Config:   cfg.Engine,
		Backend:  backend,
		Uploader: uploader,
		Metrics:  metrics,
		Logger:   logger,
	})
	defer registry.Close()

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	server := handlers.NewServer(registry, hub, auth, middleware.DefaultCORSConfig(cfg.AllowedOrigins), metrics, cfg.Backend.Kind, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.Routes(cfg.Server.MetricsEnabled),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", httpServer.Addr, "backend", cfg.Backend.Kind,
			"maxDepth", cfg.Engine.MaxDepth, "pageSize", cfg.Engine.PageSize)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openBackend connects the configured data backend and prepares its schema.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (database.Backend, func(), error) {
	closeWith := func(close func(context.Context) error) func() {
		return func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := close(closeCtx); err != nil {
				logger.Warn("Failed to close backend", "error", err)
			}
		}
	}

	switch cfg.Backend.Kind {
	case "postgres":
		db, err := database.NewPostgresDB(cfg.Backend.URI, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := db.InitializeTables(ctx); err != nil {
			closeWith(db.Close)()
			return nil, nil, err
		}
		return db, closeWith(db.Close), nil

	case "mongo":
		db, err := database.NewMongoDB(cfg.Backend.URI, cfg.Backend.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := db.EnsureIndexes(ctx); err != nil {
			closeWith(db.Close)()
			return nil, nil, err
		}
		return db, closeWith(db.Close), nil

	default:
		logger.Warn("Using the in-memory backend, data is lost on restart")
		return database.NewMemoryBackend(database.MemoryOptions{MaxDepth: cfg.Engine.MaxDepth}), func() {}, nil
	}
}
