package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"ridehail/internal/api"
	"ridehail/internal/auth"
	"ridehail/internal/config"
	"ridehail/internal/database"
	"ridehail/internal/hub"
	"ridehail/internal/relay"
	"ridehail/internal/router"
	"ridehail/internal/session"
	"ridehail/internal/websocket"
	pkgdatabase "ridehail/pkg/database"
	"ridehail/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	store      *database.Manager
	relay      *relay.RedisRelay // nil unless redis is enabled
	registry   *websocket.Registry
	hub        *hub.Hub
	limiter    *router.RateLimiter
	sessions   *session.Manager
	httpServer *http.Server
	logger     *zap.Logger

	listener net.Listener
	errCh    chan error
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Registry → Relay → Hub → Coordinator → Sessions → Handler → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Auth.UsesDefaultSecret() {
		return nil, ErrDefaultJWTSecret
	}

	// STEP 1: Open the trip store and bring its schema up to date
	store, err := OpenStore(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	// STEP 2: Group registry, shared by sessions, coordinator and hub
	registry := websocket.NewRegistry(logger)

	// STEP 3: Optional cross-node relay
	// TECHNICAL DISCOVERY: A nil *RedisRelay stored in the interface would not
	// compare equal to nil, so the hub only sees a relay when one exists.
	var redisRelay *relay.RedisRelay
	var hubRelay interfaces.Relay
	if cfg.Redis.Enabled {
		redisRelay, err = relay.NewRedisRelay(ctx, relay.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to initialize relay: %w", err)
		}
		hubRelay = redisRelay
	}

	// STEP 4: Broadcaster and trip coordinator
	broadcaster := hub.NewHub(registry, hubRelay, logger)
	limiter := router.NewRateLimiter(cfg.RateLimit.MessagesPerMinute, time.Minute)
	coordinator := router.NewCoordinator(store, registry, broadcaster, limiter, logger)

	// STEP 5: Identity and sessions
	identity, err := auth.NewJWTIdentity(cfg.Auth.JWTSecret, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sessions := session.NewManager(session.Dependencies{
		Store:          store,
		Groups:         registry,
		Router:         coordinator,
		Logger:         logger,
		StrictProtocol: cfg.WebSocket.StrictProtocol,
	})

	// STEP 6: HTTP surface with both API and WebSocket endpoints
	wsHandler := websocket.NewHandler(identity, sessions, websocket.HandlerConfig{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		Connection: websocket.ConnectionConfig{
			BufferSize:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
		},
	}, logger)
	apiServer := api.NewServer(store, identity, registry, sessions, wsHandler, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      store,
		relay:      redisRelay,
		registry:   registry,
		hub:        broadcaster,
		limiter:    limiter,
		sessions:   sessions,
		httpServer: httpServer,
		logger:     logger.Named("app"),
		errCh:      make(chan error, 1),
	}, nil
}

// OpenStore opens the SQLite trip store and applies pending migrations.
// Also used by the migrate command.
func OpenStore(ctx context.Context, cfg *pkgdatabase.Config, logger *zap.Logger) (*database.Manager, error) {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	store, err := database.NewManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize trip store: %w", err)
	}

	migrations := pkgdatabase.NewMigrationManager(store.GetDB())
	applied, err := migrations.ApplyMigrations(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}

	logger.Info("database ready",
		zap.String("path", cfg.DatabasePath),
		zap.Strings("migrations_applied", applied),
	)
	return store, nil
}

// Start begins application execution
// Hub starts first so relayed broadcasts are delivered, then the listener
// is bound and the HTTP server accepts connections.
func (app *Application) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	if err := app.hub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start hub: %w", err)
	}

	go app.limiter.Run(runCtx, app.config.RateLimit.CleanupInterval)

	// TECHNICAL DISCOVERY: Binding synchronously surfaces "address in use"
	// from Start instead of from a background goroutine.
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	app.logger.Info("ridehail started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Errors reports fatal server errors after Start.
func (app *Application) Errors() <-chan error {
	return app.errCh
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Sessions → Hub → Relay → Store
func (app *Application) Stop(ctx context.Context) error {
	var errs []error

	app.stopOnce.Do(func() {
		app.logger.Info("shutting down")

		// STEP 1: Stop accepting new connections
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}

		// STEP 2: Hijacked WebSocket connections are not covered by Shutdown
		app.sessions.CloseAll()

		// STEP 3: Stop message delivery and background work
		if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("hub stop: %w", err))
		}
		if app.cancel != nil {
			app.cancel()
		}

		if app.relay != nil {
			if err := app.relay.Close(); err != nil {
				errs = append(errs, fmt.Errorf("relay close: %w", err))
			}
		}

		// STEP 4: Close database connections
		if err := app.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}

		app.logger.Info("shutdown complete")
	})

	return errors.Join(errs...)
}

// Addr returns the bound listen address once started, else the configured one.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
