// Package config loads gradescan configuration from YAML with viper,
// supports ${ENV_VAR} references in secrets, and hot-reloads on file
// change.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	yamlv2 "gopkg.in/yaml.v2"

	"github.com/jackzampolin/gradescan/internal/consensus"
	"github.com/jackzampolin/gradescan/internal/engines"
	"github.com/jackzampolin/gradescan/internal/segment"
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a config manager and loads the initial config.
// cfgFile may be empty, in which case config.yaml is searched in the
// working directory and ~/.gradescan.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and the config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	cm.v.SetDefault("engines", defaults.Engines)
	cm.v.SetDefault("consensus", defaults.Consensus)
	cm.v.SetDefault("segmentation", defaults.Segmentation)
	cm.v.SetDefault("render", defaults.Render)
	cm.v.SetDefault("arbiter", defaults.Arbiter)
	cm.v.SetDefault("cache", defaults.Cache)
	cm.v.SetDefault("defaults", defaults.Defaults)
	cm.v.SetDefault("server", defaults.Server)

	// Environment variables with GRADESCAN_ prefix
	cm.v.SetEnvPrefix("GRADESCAN")
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		cm.v.AddConfigPath("$HOME/.gradescan")
	}

	// The config file is optional; defaults cover a full local setup.
	if err := cm.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// ToEngineConfigs converts enabled engine entries into registry
// configuration.
func (c *Config) ToEngineConfigs() map[string]engines.EngineConfig {
	result := make(map[string]engines.EngineConfig, len(c.Engines))
	for name, e := range c.Engines {
		result[name] = engines.EngineConfig{
			Type:           e.Type,
			Endpoint:       ResolveEnvVars(e.Endpoint),
			Enabled:        e.Enabled,
			RateLimit:      e.RateLimit,
			TimeoutSeconds: e.TimeoutSeconds,
			CostPerCall:    e.CostPerCall,
			Math:           e.Math,
			Language:       e.Language,
		}
	}
	return result
}

// ToStackSpecs returns the container specs for enabled http engines that
// declare an image.
func (c *Config) ToStackSpecs() []engines.ServiceSpec {
	var specs []engines.ServiceSpec
	for name, e := range c.Engines {
		if !e.Enabled || e.Type != "http" || e.Image == "" {
			continue
		}
		specs = append(specs, engines.ServiceSpec{
			Name:     name,
			Image:    e.Image,
			HostPort: e.Port,
		})
	}
	return specs
}

// ToConsensusConfig converts the consensus section.
func (c *Config) ToConsensusConfig() consensus.Config {
	return consensus.Config{
		Weights:                    c.Consensus.Weights,
		AgreementThreshold:         c.Consensus.AgreementThreshold,
		ClusterThreshold:           c.Consensus.ClusterThreshold,
		ArbiterConfidenceThreshold: c.Arbiter.ConfidenceThreshold,
	}
}

// ToSegmentOptions converts the segmentation section.
func (c *Config) ToSegmentOptions() segment.Options {
	return segment.Options{
		MinSegmentHeight:    c.Segmentation.MinSegmentHeight,
		MinWhitespaceHeight: c.Segmentation.MinWhitespaceHeight,
		WhitespaceThreshold: c.Segmentation.WhitespaceThreshold,
		Margin:              c.Segmentation.Margin,
		MinInkDensity:       c.Segmentation.MinInkDensity,
		EvenSplitFallback:   c.Segmentation.EvenSplitFallback,
	}
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yamlv2.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Gradescan configuration
# Secrets use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENAI_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
