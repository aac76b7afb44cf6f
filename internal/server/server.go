// Package server exposes the gradescan pipeline over HTTP. It owns the
// engine registry, the result cache, and optionally the dockerized
// engine stack lifecycle: containers come up on server start and stop on
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackzampolin/gradescan/internal/cache"
	"github.com/jackzampolin/gradescan/internal/config"
	"github.com/jackzampolin/gradescan/internal/consensus"
	"github.com/jackzampolin/gradescan/internal/engines"
	"github.com/jackzampolin/gradescan/internal/home"
	"github.com/jackzampolin/gradescan/internal/job"
	"github.com/jackzampolin/gradescan/internal/render"
	"github.com/jackzampolin/gradescan/internal/segment"
	"github.com/jackzampolin/gradescan/internal/svcctx"
)

// Server is the main gradescan HTTP server.
type Server struct {
	httpServer *http.Server
	registry   *engines.Registry
	stack      *engines.Stack
	store      cache.Store
	processor  *job.Processor
	configMgr  *config.Manager
	homeDir    *home.Dir
	jobs       *jobStore
	logger     *slog.Logger

	defaults config.DefaultsCfg

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Home is the gradescan home directory
	Home *home.Dir
	// ManageStack starts and stops the dockerized engine containers
	// with the server.
	ManageStack bool
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}
	if cfg.Home == nil {
		return nil, errors.New("home directory is required")
	}

	appCfg := cfg.ConfigManager.Get()

	registry := engines.NewRegistry()
	registry.SetLogger(cfg.Logger)
	registry.Reload(appCfg.ToEngineConfigs())

	cfg.ConfigManager.OnChange(func(c *config.Config) {
		registry.Reload(c.ToEngineConfigs())
		cfg.Logger.Info("engine registry reloaded from config")
	})

	store, err := openCache(appCfg.Cache, cfg.Home)
	if err != nil {
		return nil, err
	}

	var arbiter consensus.Adjudicator
	if appCfg.Arbiter.Enabled {
		arbiter, err = consensus.NewOpenAIArbiter(consensus.OpenAIArbiterConfig{
			APIKey:  config.ResolveEnvVars(appCfg.Arbiter.APIKey),
			Model:   appCfg.Arbiter.Model,
			BaseURL: appCfg.Arbiter.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create arbiter: %w", err)
		}
	}

	ce := consensus.New(appCfg.ToConsensusConfig(), arbiter, cfg.Logger)
	orch := job.NewOrchestrator(registry, store, ce, cfg.Logger)
	renderer := render.New(render.Options{
		DPI:        appCfg.Render.DPI,
		MaxWorkers: appCfg.Render.MaxWorkers,
	}, cfg.Logger)
	segmenter := segment.New(appCfg.ToSegmentOptions(), cfg.Logger)
	processor := job.NewProcessor(renderer, segmenter, orch, registry, cfg.Logger)

	var stack *engines.Stack
	if cfg.ManageStack {
		stack, err = engines.NewStack(engines.StackConfig{
			Specs: appCfg.ToStackSpecs(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create engine stack: %w", err)
		}
	}

	s := &Server{
		registry:  registry,
		stack:     stack,
		store:     store,
		processor: processor,
		configMgr: cfg.ConfigManager,
		homeDir:   cfg.Home,
		jobs:      newJobStore(),
		defaults:  appCfg.Defaults,
		logger:    cfg.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	services := &svcctx.Services{
		ConfigManager: cfg.ConfigManager,
		Registry:      registry,
		Stack:         stack,
		Cache:         store,
		Logger:        cfg.Logger,
		Home:          cfg.Home,
	}

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      withServices(mux, services),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// openCache builds the configured cache store.
func openCache(cfg config.CacheCfg, homeDir *home.Dir) (cache.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = homeDir.CacheDBPath(cache.DefaultDBName)
		}
		store, err := cache.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		return store, nil
	case "memory":
		return cache.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", cfg.Backend)
	}
}

// withServices injects the service bundle into every request context and
// logs the request.
func withServices(next http.Handler, services *svcctx.Services) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := svcctx.WithServices(r.Context(), services)
		svcctx.LoggerFrom(ctx).Debug("request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start starts the server and, when managed, the engine containers.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if s.stack != nil {
		s.logger.Info("starting engine containers")
		if err := s.stack.Start(ctx); err != nil {
			s.setNotRunning()
			return fmt.Errorf("failed to start engine stack: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// shutdown performs graceful shutdown of the HTTP server, the engine
// stack and the cache.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.stack != nil {
		s.logger.Info("stopping engine containers")
		if err := s.stack.Stop(shutdownCtx); err != nil {
			s.logger.Error("engine stack stop error", "error", err)
		}
		if err := s.stack.Close(); err != nil {
			s.logger.Error("engine stack close error", "error", err)
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("cache close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
