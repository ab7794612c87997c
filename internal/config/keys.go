package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "gateway.base_url", typ: kString, env: "CROSSDISC_GATEWAY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Gateway.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Gateway.BaseURL },
	},
	{
		key: "gateway.timeout", typ: kDuration, env: "CROSSDISC_GATEWAY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Gateway.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Gateway.Timeout },
	},
	{
		key: "gateway.fallback", typ: kString, env: "CROSSDISC_GATEWAY_FALLBACK",
		apply:   func(cfg *Config, v any) { cfg.Gateway.Fallback = v.(string) },
		extract: func(cfg Config) any { return cfg.Gateway.Fallback },
	},
	{
		key: "gateway.cache_ttl", typ: kDuration, env: "CROSSDISC_GATEWAY_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Gateway.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Gateway.CacheTTL },
	},
	{
		key: "search.poll_interval", typ: kDuration, env: "CROSSDISC_SEARCH_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Search.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Search.PollInterval },
	},
	{
		key: "search.depth", typ: kString, env: "CROSSDISC_SEARCH_DEPTH",
		apply:   func(cfg *Config, v any) { cfg.Search.Depth = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Depth },
	},
	{
		key: "search.max_results_per_discipline", typ: kInt, env: "CROSSDISC_SEARCH_MAX_RESULTS_PER_DISCIPLINE",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxResultsPerDiscipline = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxResultsPerDiscipline },
	},
	{
		key: "search.enable_validation", typ: kBool, env: "CROSSDISC_SEARCH_ENABLE_VALIDATION",
		apply:   func(cfg *Config, v any) { cfg.Search.EnableValidation = v.(bool) },
		extract: func(cfg Config) any { return cfg.Search.EnableValidation },
	},
	{
		key: "classify.max_disciplines", typ: kInt, env: "CROSSDISC_CLASSIFY_MAX_DISCIPLINES",
		apply:   func(cfg *Config, v any) { cfg.Classify.MaxDisciplines = v.(int) },
		extract: func(cfg Config) any { return cfg.Classify.MaxDisciplines },
	},
	{
		key: "classify.min_relevance", typ: kFloat, env: "CROSSDISC_CLASSIFY_MIN_RELEVANCE",
		apply:   func(cfg *Config, v any) { cfg.Classify.MinRelevance = v.(float64) },
		extract: func(cfg Config) any { return cfg.Classify.MinRelevance },
	},
	{
		key: "classify.default_selected", typ: kInt, env: "CROSSDISC_CLASSIFY_DEFAULT_SELECTED",
		apply:   func(cfg *Config, v any) { cfg.Classify.DefaultSelected = v.(int) },
		extract: func(cfg Config) any { return cfg.Classify.DefaultSelected },
	},
	{
		key: "stream.base_delay", typ: kDuration, env: "CROSSDISC_STREAM_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Stream.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Stream.BaseDelay },
	},
	{
		key: "stream.jitter", typ: kDuration, env: "CROSSDISC_STREAM_JITTER",
		apply:   func(cfg *Config, v any) { cfg.Stream.Jitter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Stream.Jitter },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CROSSDISC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CROSSDISC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "demo.port", typ: kInt, env: "CROSSDISC_DEMO_PORT",
		apply:   func(cfg *Config, v any) { cfg.Demo.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Demo.Port },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw into the Go type of s.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not read config key %s: %v. Using default value.\n", s.key, err)
				continue
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
