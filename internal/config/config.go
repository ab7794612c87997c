package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"
)

type Config struct {
	Gateway  GatewayConfig
	Search   SearchConfig
	Classify ClassifyConfig
	Stream   StreamConfig
	Storage  StorageConfig
	Log      LogConfig
	Demo     DemoConfig
}

type GatewayConfig struct {
	BaseURL  string
	Timeout  time.Duration
	Fallback string
	CacheTTL time.Duration
}

type SearchConfig struct {
	PollInterval            time.Duration
	Depth                   string
	MaxResultsPerDiscipline int
	EnableValidation        bool
}

type ClassifyConfig struct {
	MaxDisciplines  int
	MinRelevance    float64
	DefaultSelected int
}

type StreamConfig struct {
	BaseDelay time.Duration
	Jitter    time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type DemoConfig struct {
	Port int
}

func defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			BaseURL:  "http://127.0.0.1:8000/api",
			Timeout:  30 * time.Second,
			Fallback: "propagate",
			CacheTTL: 5 * time.Minute,
		},
		Search: SearchConfig{
			PollInterval:            2 * time.Second,
			Depth:                   "medium",
			MaxResultsPerDiscipline: 10,
			EnableValidation:        true,
		},
		Classify: ClassifyConfig{
			MaxDisciplines:  8,
			MinRelevance:    0.3,
			DefaultSelected: 3,
		},
		Stream: StreamConfig{
			BaseDelay: 100 * time.Millisecond,
			Jitter:    200 * time.Millisecond,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Demo: DemoConfig{
			Port: 8000,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/crossdisc/config.json, then applies CROSSDISC_*
// environment overrides. Values that fail to parse or validate are
// reported on stderr and the default is kept.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	validate(&cfg, os.Stderr)

	return cfg, nil
}

// validate resets out-of-range values to their defaults, reporting each
// to w.
func validate(cfg *Config, w io.Writer) {
	def := defaults()
	warn := func(key string, v any) {
		fmt.Fprintf(w, "[WARN] invalid value for %s: %v. Using default value.\n", key, v)
	}

	if !slices.Contains([]string{"propagate", "offline"}, cfg.Gateway.Fallback) {
		warn("gateway.fallback", cfg.Gateway.Fallback)
		cfg.Gateway.Fallback = def.Gateway.Fallback
	}
	if !slices.Contains([]string{"shallow", "medium", "deep"}, cfg.Search.Depth) {
		warn("search.depth", cfg.Search.Depth)
		cfg.Search.Depth = def.Search.Depth
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.Log.Level) {
		warn("log.level", cfg.Log.Level)
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Gateway.Timeout <= 0 {
		warn("gateway.timeout", cfg.Gateway.Timeout)
		cfg.Gateway.Timeout = def.Gateway.Timeout
	}
	if cfg.Gateway.CacheTTL < 0 {
		warn("gateway.cache_ttl", cfg.Gateway.CacheTTL)
		cfg.Gateway.CacheTTL = def.Gateway.CacheTTL
	}
	if cfg.Search.PollInterval <= 0 {
		warn("search.poll_interval", cfg.Search.PollInterval)
		cfg.Search.PollInterval = def.Search.PollInterval
	}
	if cfg.Search.MaxResultsPerDiscipline <= 0 {
		warn("search.max_results_per_discipline", cfg.Search.MaxResultsPerDiscipline)
		cfg.Search.MaxResultsPerDiscipline = def.Search.MaxResultsPerDiscipline
	}
	if cfg.Classify.MaxDisciplines <= 0 {
		warn("classify.max_disciplines", cfg.Classify.MaxDisciplines)
		cfg.Classify.MaxDisciplines = def.Classify.MaxDisciplines
	}
	if cfg.Classify.MinRelevance < 0 || cfg.Classify.MinRelevance > 1 {
		warn("classify.min_relevance", cfg.Classify.MinRelevance)
		cfg.Classify.MinRelevance = def.Classify.MinRelevance
	}
	if cfg.Classify.DefaultSelected < 0 {
		warn("classify.default_selected", cfg.Classify.DefaultSelected)
		cfg.Classify.DefaultSelected = def.Classify.DefaultSelected
	}
	if cfg.Stream.BaseDelay < 0 {
		warn("stream.base_delay", cfg.Stream.BaseDelay)
		cfg.Stream.BaseDelay = def.Stream.BaseDelay
	}
	if cfg.Stream.Jitter < 0 {
		warn("stream.jitter", cfg.Stream.Jitter)
		cfg.Stream.Jitter = def.Stream.Jitter
	}
	if cfg.Demo.Port <= 0 || cfg.Demo.Port > 65535 {
		warn("demo.port", cfg.Demo.Port)
		cfg.Demo.Port = def.Demo.Port
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "crossdisc-data"
		}
	}
	return filepath.Join(dir, "crossdisc")
}
