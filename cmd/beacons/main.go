package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"beacons/internal/api"
	"beacons/internal/auth"
	"beacons/internal/config"
	"beacons/internal/occupancy"
	"beacons/internal/store"
	"beacons/internal/sweeper"
	"beacons/internal/websocket"
	pkgdatabase "beacons/pkg/database"
)

// Application wires all components. Initialization order is store →
// manager → sweeper → handlers → HTTP server; shutdown is the reverse.
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	store      *store.Store
	manager    *occupancy.Manager
	sweeper    *sweeper.Sweeper
	apiServer  *api.Server
	httpServer *http.Server
}

func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}

	occupancyStore, err := store.New(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	manager := occupancy.NewManager(occupancyStore, occupancy.Config{
		CheckInTTL:    cfg.Occupancy.CheckInTTL,
		FeedRetention: cfg.Occupancy.FeedRetention,
		HistoryLimit:  cfg.Occupancy.HistoryLimit,
	}, logger)

	sweep := sweeper.New(manager, occupancyStore, sweeper.Config{
		ExpiryInterval:    cfg.Sweeper.ExpiryInterval,
		RetentionInterval: cfg.Sweeper.RetentionInterval,
		Retention:         cfg.Sweeper.Retention,
	}, logger)

	verifier := auth.NewVerifier(cfg.Auth.Secret)
	apiServer := api.NewServer(occupancyStore, manager, verifier, logger)
	wsHandler := websocket.NewHandler(manager, verifier, websocket.Config{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/occupancy/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		store:      occupancyStore,
		manager:    manager,
		sweeper:    sweep,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

func (app *Application) Start(ctx context.Context) error {
	app.logger.Info().Str("addr", app.httpServer.Addr).Msg("starting beacons")

	app.sweeper.Start(ctx)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.sweeper.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info().Msg("beacons started")
		return nil
	case <-ctx.Done():
		app.sweeper.Stop()
		return ctx.Err()
	}
}

func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	app.sweeper.Stop()

	if err := app.store.Close(); err != nil {
		app.logger.Error().Err(err).Msg("store shutdown error")
	}

	app.logger.Info().Msg("shutdown complete")
	return nil
}

func main() {
	logger := newLogger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("beacons exited")
	}
}

func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	if raw := os.Getenv("BEACONS_LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func run(logger zerolog.Logger) error {
	configPath := os.Getenv("BEACONS_CONFIG_FILE")
	cfg := config.LoadConfigWithPrecedence(configPath)

	app, err := NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	appErrCh := make(chan error, 1)
	go func() {
		if err := app.Start(ctx); err != nil {
			appErrCh <- err
		}
	}()

	select {
	case err := <-appErrCh:
		return fmt.Errorf("application error: %w", err)
	case sig := <-signalCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		return app.Stop(shutdownCtx)
	}
}
