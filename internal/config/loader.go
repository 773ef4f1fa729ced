package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"oxidelab/internal/classify"
	"oxidelab/pkg/types"
)

// Duration is a time.Duration written as "30s" in every config format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// CORS configures the optional CORS middleware.
type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Config holds runtime parameters for the daemon and CLI.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr" validate:"required"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir" validate:"required"`

	// Index backend: json (default), badger or memory.
	IndexBackend string `json:"index_backend" yaml:"index_backend" toml:"index_backend" validate:"oneof=json badger memory"`
	IndexPath    string `json:"index_path" yaml:"index_path" toml:"index_path"`

	HubURL    string `json:"hub_url" yaml:"hub_url" toml:"hub_url" validate:"required,url"`
	UserAgent string `json:"user_agent" yaml:"user_agent" toml:"user_agent"`
	HFToken   string `json:"hf_token" yaml:"hf_token" toml:"hf_token"`

	MaxRetries     int      `json:"max_retries" yaml:"max_retries" toml:"max_retries" validate:"gte=1,lte=20"`
	RetryBaseDelay Duration `json:"retry_base_delay" yaml:"retry_base_delay" toml:"retry_base_delay"`
	ChunkSize      int      `json:"chunk_size" yaml:"chunk_size" toml:"chunk_size" validate:"gte=1024"`
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
	ReadTimeout    Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout   Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
	DisableResume  bool     `json:"disable_resume" yaml:"disable_resume" toml:"disable_resume"`

	MemoryBudgetMB int `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb" validate:"gte=0"`
	ContextSize    int `json:"context_size" yaml:"context_size" toml:"context_size" validate:"gte=0"`
	Threads        int `json:"threads" yaml:"threads" toml:"threads" validate:"gte=0"`
	GPULayers      int `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers" validate:"gte=0"`

	// Backend selects in-process llama.cpp ("llama") or a remote llama.cpp
	// server ("server") at ServerURL.
	Backend      string `json:"backend" yaml:"backend" toml:"backend" validate:"oneof=llama server"`
	ServerURL    string `json:"server_url" yaml:"server_url" toml:"server_url" validate:"omitempty,url"`
	ServerAPIKey string `json:"server_api_key" yaml:"server_api_key" toml:"server_api_key"`

	WatchModelsDir bool     `json:"watch_models_dir" yaml:"watch_models_dir" toml:"watch_models_dir"`
	WatchDebounce  Duration `json:"watch_debounce" yaml:"watch_debounce" toml:"watch_debounce"`

	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level" validate:"oneof=debug info warn error off"`
	LogFormat    string `json:"log_format" yaml:"log_format" toml:"log_format" validate:"oneof=console json"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes" validate:"gte=0"`
	CORS         CORS   `json:"cors" yaml:"cors" toml:"cors"`

	Generation types.GenerationConfig `json:"generation" yaml:"generation" toml:"generation"`
	Rules      []classify.Rule        `json:"rules" yaml:"rules" toml:"rules" validate:"dive"`
}

// Defaults returns a fully populated configuration.
func Defaults() Config {
	return Config{
		Addr:           ":8080",
		ModelsDir:      "~/.oxidelab/models",
		IndexBackend:   "json",
		HubURL:         "https://huggingface.co",
		UserAgent:      "OxideLabMobile/1.0",
		MaxRetries:     3,
		RetryBaseDelay: Duration(time.Second),
		ChunkSize:      8 << 10,
		ConnectTimeout: Duration(30 * time.Second),
		ReadTimeout:    Duration(120 * time.Second),
		WriteTimeout:   Duration(60 * time.Second),
		ContextSize:    2048,
		Backend:        "llama",
		WatchDebounce:  Duration(500 * time.Millisecond),
		LogLevel:       "info",
		LogFormat:      "console",
		MaxBodyBytes:   1 << 20,
		Generation:     types.DefaultGenerationConfig(),
	}
}

// ApplyDefaults fills every zero field from Defaults.
func (c *Config) ApplyDefaults() {
	d := Defaults()
	str := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	str(&c.Addr, d.Addr)
	str(&c.ModelsDir, d.ModelsDir)
	str(&c.IndexBackend, d.IndexBackend)
	str(&c.HubURL, d.HubURL)
	str(&c.UserAgent, d.UserAgent)
	str(&c.Backend, d.Backend)
	str(&c.LogLevel, d.LogLevel)
	str(&c.LogFormat, d.LogFormat)
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ContextSize == 0 {
		c.ContextSize = d.ContextSize
	}
	if c.WatchDebounce == 0 {
		c.WatchDebounce = d.WatchDebounce
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.Generation == (types.GenerationConfig{}) {
		c.Generation = d.Generation
	} else {
		c.Generation = c.Generation.WithDefaults(d.Generation)
	}
}

var validate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
