// Package config defines the AgentFlow application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level AgentFlow configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Carbon    CarbonConfig    `json:"carbon" yaml:"carbon"`
	Pricing   PricingConfig   `json:"pricing" yaml:"pricing"`
	DataDir   string          `json:"data_dir" yaml:"data_dir"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":8090"
}

// ProvidersConfig selects and configures the inference backends.
type ProvidersConfig struct {
	Default    string           `json:"default" yaml:"default"` // "ollama", "openrouter", "mock"
	Ollama     OllamaConfig     `json:"ollama" yaml:"ollama"`
	OpenRouter OpenRouterConfig `json:"openrouter" yaml:"openrouter"`
}

// OllamaConfig points at a local daemon or Ollama Cloud.
type OllamaConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key"`
}

// OpenRouterConfig configures the OpenRouter backend. Models matched by
// any of the prefixes route here instead of the default provider.
type OpenRouterConfig struct {
	APIKey   string   `json:"api_key,omitempty" yaml:"api_key"`
	BaseURL  string   `json:"base_url,omitempty" yaml:"base_url"`
	Prefixes []string `json:"prefixes,omitempty" yaml:"prefixes"`
}

// Duration wraps time.Duration so YAML accepts "5m" style values.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PipelineConfig tunes run execution.
type PipelineConfig struct {
	MaxConcurrency int      `json:"max_concurrency" yaml:"max_concurrency"`
	WorkerTimeout  Duration `json:"worker_timeout" yaml:"worker_timeout"`
	RetryLimit     int      `json:"retry_limit" yaml:"retry_limit"`
	RetryBackoff   Duration `json:"retry_backoff" yaml:"retry_backoff"`
	ReserveTokens  int      `json:"reserve_tokens" yaml:"reserve_tokens"`
	FundingWait    Duration `json:"funding_wait" yaml:"funding_wait"`
}

// CarbonConfig controls grid intensity lookups.
type CarbonConfig struct {
	Zone               string  `json:"zone" yaml:"zone"`
	ElectricityMapsKey string  `json:"electricity_maps_key,omitempty" yaml:"electricity_maps_key"`
	IntensityOverride  float64 `json:"intensity_override,omitempty" yaml:"intensity_override"` // gCO2/kWh, 0 = resolve
}

// PricingConfig points at an optional rate table overlay.
type PricingConfig struct {
	TablePath string `json:"table_path,omitempty" yaml:"table_path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8090",
		},
		Providers: ProvidersConfig{
			Default: "ollama",
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
			},
			OpenRouter: OpenRouterConfig{
				Prefixes: []string{"google/", "openai/", "anthropic/", "meta-llama/"},
			},
		},
		Pipeline: PipelineConfig{
			MaxConcurrency: 4,
			WorkerTimeout:  Duration(5 * time.Minute),
			RetryLimit:     2,
			RetryBackoff:   Duration(2 * time.Second),
			ReserveTokens:  2000,
		},
		Carbon: CarbonConfig{
			Zone: "FR",
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
