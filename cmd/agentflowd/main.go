// Command agentflowd is the AgentFlow server daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentflow/agentflow/carbon"
	"github.com/agentflow/agentflow/config"
	"github.com/agentflow/agentflow/event"
	"github.com/agentflow/agentflow/internal/version"
	"github.com/agentflow/agentflow/ledger"
	"github.com/agentflow/agentflow/pipeline"
	"github.com/agentflow/agentflow/pricing"
	"github.com/agentflow/agentflow/provider"
	"github.com/agentflow/agentflow/provider/mock"
	"github.com/agentflow/agentflow/server"
)

var configPath = flag.String("config", "", "path to YAML config file")

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("load config", slog.Any("err", err))
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	logger.Info("starting agentflowd",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", slog.Any("err", err))
		os.Exit(1)
	}

	wallet, err := ledger.Open(filepath.Join(cfg.DataDir, "agentflow.db"))
	if err != nil {
		logger.Error("open ledger", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() { _ = wallet.Close() }()

	prices := pricing.DefaultTable()
	if cfg.Pricing.TablePath != "" {
		prices, err = pricing.Load(cfg.Pricing.TablePath)
		if err != nil {
			logger.Error("load pricing table", slog.Any("err", err))
			os.Exit(1)
		}
	}

	var intensity *carbon.IntensityClient
	if cfg.Carbon.ElectricityMapsKey != "" {
		intensity = carbon.NewIntensityClient(cfg.Carbon.ElectricityMapsKey)
	}

	hub := event.NewHub(logger)
	router, err := buildRouter(cfg)
	if err != nil {
		logger.Error("configure providers", slog.Any("err", err))
		os.Exit(1)
	}

	engine := pipeline.New(pipeline.Config{
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
		WorkerTimeout:  cfg.Pipeline.WorkerTimeout.Std(),
		RetryLimit:     cfg.Pipeline.RetryLimit,
		RetryBackoff:   cfg.Pipeline.RetryBackoff.Std(),
		ReserveTokens:  cfg.Pipeline.ReserveTokens,
		FundingWait:    cfg.Pipeline.FundingWait.Std(),
		Zone:           cfg.Carbon.Zone,
		Intensity:      cfg.Carbon.IntensityOverride,
	}, router, wallet, prices, intensity, hub, logger)

	srv := server.New(cfg, engine, wallet, hub, intensity, version.Version, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("server stop", slog.Any("err", err))
	}
	logger.Info("shutdown complete")
}

// buildRouter wires the configured providers: the default backend serves
// every model, with OpenRouter claiming its configured prefixes.
func buildRouter(cfg *config.Config) (*pipeline.Router, error) {
	var def provider.Provider
	switch cfg.Providers.Default {
	case "ollama", "":
		def = provider.NewOllamaProvider(provider.OllamaConfig{
			BaseURL: cfg.Providers.Ollama.BaseURL,
			APIKey:  cfg.Providers.Ollama.APIKey,
		})
	case "openrouter":
		def = provider.NewOpenRouterProvider(provider.OpenRouterConfig{
			APIKey:  cfg.Providers.OpenRouter.APIKey,
			BaseURL: cfg.Providers.OpenRouter.BaseURL,
		})
	case "mock":
		def = mock.New()
	default:
		return nil, errors.New("unknown default provider: " + cfg.Providers.Default)
	}

	router := pipeline.NewRouter(def)
	if cfg.Providers.OpenRouter.APIKey != "" && cfg.Providers.Default != "openrouter" {
		or := provider.NewOpenRouterProvider(provider.OpenRouterConfig{
			APIKey:  cfg.Providers.OpenRouter.APIKey,
			BaseURL: cfg.Providers.OpenRouter.BaseURL,
		})
		for _, prefix := range cfg.Providers.OpenRouter.Prefixes {
			router.Route(prefix, or)
		}
	}
	return router, nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
