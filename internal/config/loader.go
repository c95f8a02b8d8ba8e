package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] for fields left empty.
const (
	DefaultIdentity       = "voxbridge-agent"
	DefaultTopic          = "voice.preconnect.buffer"
	DefaultSampleRateAttr = "sampleRate"
	DefaultChannelsAttr   = "channels"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in defaults for fields left empty.
func applyDefaults(cfg *Config) {
	if cfg.Room.Identity == "" {
		cfg.Room.Identity = DefaultIdentity
	}
	if cfg.Preconnect.Topic == "" {
		cfg.Preconnect.Topic = DefaultTopic
	}
	if cfg.Preconnect.SampleRateAttr == "" {
		cfg.Preconnect.SampleRateAttr = DefaultSampleRateAttr
	}
	if cfg.Preconnect.ChannelsAttr == "" {
		cfg.Preconnect.ChannelsAttr = DefaultChannelsAttr
	}
	if cfg.Preconnect.DrainMode == "" {
		cfg.Preconnect.DrainMode = DrainPromptShutdown
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Room
	if cfg.Room.URL == "" {
		errs = append(errs, errors.New("room.url is required"))
	}
	if cfg.Room.Name == "" {
		errs = append(errs, errors.New("room.name is required"))
	}

	// Provider
	if cfg.Provider.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		errs = append(errs, errors.New("provider.api_key is required (or set OPENAI_API_KEY)"))
	}
	if cfg.Provider.Temperature < 0 || cfg.Provider.Temperature > 2 {
		errs = append(errs, fmt.Errorf("provider.temperature %.2f is out of range [0, 2]", cfg.Provider.Temperature))
	}

	// Preconnect
	if !cfg.Preconnect.DrainMode.IsValid() {
		errs = append(errs, fmt.Errorf("preconnect.drain_mode %q is invalid; valid values: prompt_shutdown, drain_all", cfg.Preconnect.DrainMode))
	}
	if cfg.Preconnect.FrameMs < 0 || cfg.Preconnect.FrameMs > 1000 {
		errs = append(errs, fmt.Errorf("preconnect.frame_ms %d is out of range [0, 1000]", cfg.Preconnect.FrameMs))
	}

	// Memory
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; transcript persistence and semantic search are disabled")
	}
	if cfg.Memory.PostgresDSN != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("memory.postgres_dsn is set but memory.embedding_dimensions is not; defaulting to 1536")
	}

	return errors.Join(errs...)
}
