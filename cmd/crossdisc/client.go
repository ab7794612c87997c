package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/crossdisc/internal/config"
	"github.com/kalambet/crossdisc/internal/gateway"
	"github.com/kalambet/crossdisc/internal/storage"
)

// app bundles what a command needs to talk to the central agent.
type app struct {
	cfg     config.Config
	client  *gateway.Client
	gw      gateway.Gateway
	history *storage.Store // nil when the history database cannot be opened
}

var loadConfig = config.Load

// newApp loads config, installs the logger and builds the gateway chain:
// HTTP client, then the read cache, then the fallback policy.
var newApp = func() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cfg.Log.Level)

	client := gateway.New(cfg.Gateway.BaseURL, cfg.Gateway.Timeout)
	return buildApp(cfg, client)
}

func buildApp(cfg config.Config, client *gateway.Client) (*app, error) {
	policy, err := gateway.ParsePolicy(cfg.Gateway.Fallback)
	if err != nil {
		return nil, err
	}

	var gw gateway.Gateway = client
	if cfg.Gateway.CacheTTL > 0 {
		gw = gateway.NewCached(gw, cfg.Gateway.CacheTTL)
	}
	gw = gateway.NewFallback(gw, policy, nil)

	a := &app{cfg: cfg, client: client, gw: gw}
	if st, err := storage.Open(cfg.Storage.DataDir); err != nil {
		slog.Warn("history disabled", "data_dir", cfg.Storage.DataDir, "error", err)
	} else {
		a.history = st
	}
	return a, nil
}

func (a *app) Close() {
	if a.history != nil {
		a.history.Close()
	}
}

func (a *app) searchConfig() gateway.SearchConfig {
	validation := a.cfg.Search.EnableValidation
	return gateway.SearchConfig{
		Depth:                   a.cfg.Search.Depth,
		MaxResultsPerDiscipline: a.cfg.Search.MaxResultsPerDiscipline,
		EnableValidation:        &validation,
	}
}

func (a *app) classifyRequest(concept string) gateway.ClassifyRequest {
	return gateway.ClassifyRequest{
		Concept:         concept,
		MaxDisciplines:  a.cfg.Classify.MaxDisciplines,
		MinRelevance:    a.cfg.Classify.MinRelevance,
		DefaultSelected: a.cfg.Classify.DefaultSelected,
	}
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
