package config

import "github.com/jackzampolin/gradescan/internal/ocr"

// Config holds gradescan configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Engines      map[string]EngineCfg `mapstructure:"engines" yaml:"engines"`
	Consensus    ConsensusCfg         `mapstructure:"consensus" yaml:"consensus"`
	Segmentation SegmentationCfg      `mapstructure:"segmentation" yaml:"segmentation"`
	Render       RenderCfg            `mapstructure:"render" yaml:"render"`
	Arbiter      ArbiterCfg           `mapstructure:"arbiter" yaml:"arbiter"`
	Cache        CacheCfg             `mapstructure:"cache" yaml:"cache"`
	Defaults     DefaultsCfg          `mapstructure:"defaults" yaml:"defaults"`
	Server       ServerCfg            `mapstructure:"server" yaml:"server"`
}

// EngineCfg configures one recognition engine.
type EngineCfg struct {
	Type           string  `mapstructure:"type" yaml:"type"`         // "http", "tesseract"
	Endpoint       string  `mapstructure:"endpoint" yaml:"endpoint"` // base URL for http engines
	Image          string  `mapstructure:"image" yaml:"image"`       // docker image for the managed stack
	Port           string  `mapstructure:"port" yaml:"port"`         // host port for the managed stack
	RateLimit      float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second
	TimeoutSeconds int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	CostPerCall    float64 `mapstructure:"cost_per_call" yaml:"cost_per_call"` // USD per non-cached call
	Math           bool    `mapstructure:"math" yaml:"math"`
	Language       string  `mapstructure:"language" yaml:"language"` // tesseract only
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
}

// ConsensusCfg configures result reduction.
type ConsensusCfg struct {
	Method             string             `mapstructure:"method" yaml:"method"`
	AgreementThreshold float64            `mapstructure:"agreement_threshold" yaml:"agreement_threshold"`
	ClusterThreshold   float64            `mapstructure:"cluster_threshold" yaml:"cluster_threshold"`
	Weights            map[string]float64 `mapstructure:"weights" yaml:"weights"`
}

// SegmentationCfg configures question gap detection (pixels at 300 DPI).
type SegmentationCfg struct {
	MinSegmentHeight    int     `mapstructure:"min_segment_height" yaml:"min_segment_height"`
	MinWhitespaceHeight int     `mapstructure:"min_whitespace_height" yaml:"min_whitespace_height"`
	WhitespaceThreshold float64 `mapstructure:"whitespace_threshold" yaml:"whitespace_threshold"`
	Margin              int     `mapstructure:"margin" yaml:"margin"`
	MinInkDensity       float64 `mapstructure:"min_ink_density" yaml:"min_ink_density"`
	EvenSplitFallback   bool    `mapstructure:"even_split_fallback" yaml:"even_split_fallback"`
}

// RenderCfg configures PDF rasterization.
type RenderCfg struct {
	DPI        int `mapstructure:"dpi" yaml:"dpi"`
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`
}

// ArbiterCfg configures the AI adjudication service.
type ArbiterCfg struct {
	Model               string  `mapstructure:"model" yaml:"model"`
	APIKey              string  `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR} syntax
	BaseURL             string  `mapstructure:"base_url" yaml:"base_url"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	Enabled             bool    `mapstructure:"enabled" yaml:"enabled"`
}

// CacheCfg configures the OCR result cache.
type CacheCfg struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Backend string `mapstructure:"backend" yaml:"backend"` // "sqlite", "memory"
	Path    string `mapstructure:"path" yaml:"path"`       // sqlite file, default under home
}

// DefaultsCfg specifies default job parameters.
type DefaultsCfg struct {
	Engines           []string `mapstructure:"engines" yaml:"engines"` // ordered engine list
	Method            string   `mapstructure:"method" yaml:"method"`
	MaxParallel       int      `mapstructure:"max_parallel" yaml:"max_parallel"`
	JobTimeoutSeconds int      `mapstructure:"job_timeout_seconds" yaml:"job_timeout_seconds"`
}

// ServerCfg configures the HTTP API server.
type ServerCfg struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Engines: map[string]EngineCfg{
			ocr.EngineSurya: {
				Type:           "http",
				Endpoint:       "http://localhost:8501",
				Image:          "gradescan/surya-ocr:latest",
				Port:           "8501",
				RateLimit:      4.0,
				TimeoutSeconds: 60,
				Enabled:        true,
			},
			ocr.EnginePaddleOCR: {
				Type:           "http",
				Endpoint:       "http://localhost:8502",
				Image:          "gradescan/paddleocr:latest",
				Port:           "8502",
				RateLimit:      4.0,
				TimeoutSeconds: 60,
				Enabled:        true,
			},
			ocr.EnginePix2Text: {
				Type:           "http",
				Endpoint:       "http://localhost:8503",
				Image:          "gradescan/pix2text:latest",
				Port:           "8503",
				RateLimit:      2.0,
				TimeoutSeconds: 90,
				Math:           true,
				Enabled:        true,
			},
			ocr.EngineTesseract: {
				Type:      "tesseract",
				Language:  "eng",
				RateLimit: 8.0,
				Enabled:   false,
			},
		},
		Consensus: ConsensusCfg{
			Method:             "majority",
			AgreementThreshold: 0.5,
			ClusterThreshold:   0.25,
		},
		Segmentation: SegmentationCfg{
			MinSegmentHeight:    40,
			MinWhitespaceHeight: 18,
			WhitespaceThreshold: 0.02,
			Margin:              12,
			MinInkDensity:       0.5,
		},
		Render: RenderCfg{
			DPI: 300,
		},
		Arbiter: ArbiterCfg{
			Model:               "gpt-4o-mini",
			APIKey:              "${OPENAI_API_KEY}",
			ConfidenceThreshold: 0.7,
		},
		Cache: CacheCfg{
			Enabled: true,
			Backend: "sqlite",
		},
		Defaults: DefaultsCfg{
			Engines:           []string{ocr.EngineSurya, ocr.EnginePaddleOCR, ocr.EnginePix2Text},
			Method:            "majority",
			MaxParallel:       8,
			JobTimeoutSeconds: 600,
		},
		Server: ServerCfg{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// GetEngine returns an engine config by name.
func (c *Config) GetEngine(name string) (EngineCfg, bool) {
	cfg, ok := c.Engines[name]
	return cfg, ok
}

// EnabledEngines returns all enabled engine configs.
func (c *Config) EnabledEngines() map[string]EngineCfg {
	result := make(map[string]EngineCfg)
	for name, cfg := range c.Engines {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}
