package engines

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry is the strategy map from canonical engine name to adapter.
// It is injected at orchestrator construction, never looked up from
// ambient global state, and supports config-driven rebuilds.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
	logger  *slog.Logger
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]Engine),
		logger:  slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds an engine by its canonical name.
func (r *Registry) Register(engine Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[engine.Name()] = engine
	if r.logger != nil {
		r.logger.Info("registered engine", "name", engine.Name(), "math", engine.Math())
	}
}

// Unregister removes an engine by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, name)
	if r.logger != nil {
		r.logger.Info("unregistered engine", "name", name)
	}
}

// Get returns an engine by name.
func (r *Registry) Get(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("engine not found: %s", name)
	}
	return engine, nil
}

// Has checks if an engine is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[name]
	return ok
}

// List returns all registered engine names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Engines returns a snapshot map of all registered engines.
func (r *Registry) Engines() map[string]Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]Engine, len(r.engines))
	for name, engine := range r.engines {
		result[name] = engine
	}
	return result
}

// Health probes every registered engine and returns name → healthy.
func (r *Registry) Health(ctx context.Context) map[string]bool {
	engines := r.Engines()
	result := make(map[string]bool, len(engines))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, engine := range engines {
		wg.Add(1)
		go func(name string, engine Engine) {
			defer wg.Done()
			healthy := engine.CheckHealth(ctx)
			mu.Lock()
			result[name] = healthy
			mu.Unlock()
		}(name, engine)
	}
	wg.Wait()

	return result
}

// EngineConfig describes one engine entry from configuration.
type EngineConfig struct {
	Type           string  // "http" or "tesseract"
	Endpoint       string  // base URL for http engines
	Enabled        bool
	RateLimit      float64 // requests per second
	TimeoutSeconds int
	CostPerCall    float64 // USD per non-cached call
	Math           bool
	Language       string // tesseract language
}

// Reload rebuilds the registry from configuration. Engines no longer
// configured or disabled are unregistered.
func (r *Registry) Reload(cfgs map[string]EngineConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)
	for name, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		engine := createEngine(name, cfg)
		if engine == nil {
			if r.logger != nil {
				r.logger.Warn("unknown engine type in config", "name", name, "type", cfg.Type)
			}
			continue
		}
		want[name] = true
		r.engines[name] = engine
		if r.logger != nil {
			r.logger.Info("registered engine", "name", name, "type", cfg.Type)
		}
	}

	for name := range r.engines {
		if !want[name] {
			delete(r.engines, name)
			if r.logger != nil {
				r.logger.Info("unregistered engine", "name", name)
			}
		}
	}
}

// NewRegistryFromConfig creates a registry with engines from configuration.
func NewRegistryFromConfig(cfgs map[string]EngineConfig, logger *slog.Logger) *Registry {
	r := NewRegistry()
	if logger != nil {
		r.logger = logger
	}
	r.Reload(cfgs)
	return r
}

// createEngine builds an adapter for one config entry.
func createEngine(name string, cfg EngineConfig) Engine {
	switch cfg.Type {
	case "http":
		return NewServiceClient(ServiceConfig{
			Name:        name,
			BaseURL:     cfg.Endpoint,
			Timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
			RateLimit:   cfg.RateLimit,
			CostPerCall: cfg.CostPerCall,
			Math:        cfg.Math,
		})
	case "tesseract":
		return NewTesseractEngine(TesseractConfig{
			Language:  cfg.Language,
			RateLimit: cfg.RateLimit,
		})
	default:
		return nil
	}
}
