// Command coachlens runs the AI coaching analysis service: an HTTP API over
// a provider-routed LLM pipeline with a PostgreSQL job store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/coachlens/coachlens/internal/analysis/postgres"
	"github.com/coachlens/coachlens/internal/collab"
	"github.com/coachlens/coachlens/internal/config"
	"github.com/coachlens/coachlens/internal/httpapi"
	"github.com/coachlens/coachlens/internal/observe"
	"github.com/coachlens/coachlens/internal/pipeline"
	"github.com/coachlens/coachlens/internal/router"
	"github.com/coachlens/coachlens/pkg/provider/llm"
	"github.com/coachlens/coachlens/pkg/provider/llm/anthropic"
	"github.com/coachlens/coachlens/pkg/provider/llm/anyllm"
	"github.com/coachlens/coachlens/pkg/provider/llm/openai"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "configs/coachlens.yaml", "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Server.LogLevel)

	shutdownObserve, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "coachlens",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObserve(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	store, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer store.Close()

	staleAfter := time.Duration(cfg.Analysis.StaleJobTimeoutMinutes) * time.Minute
	if swept, err := store.SweepStaleRunning(ctx, staleAfter); err != nil {
		return fmt.Errorf("stale sweep: %w", err)
	} else if swept > 0 {
		slog.Warn("recovered stale running jobs from previous run", "count", swept)
	}

	registry := newRegistry()
	rt, err := router.New(cfg, registry)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		if err := rt.Reload(next, registry); err != nil {
			slog.Error("routing reload rejected", "err", err)
		} else {
			slog.Info("routing config reloaded")
		}
	})
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Stop()

	executor := pipeline.New(store, rt, transcriptSource(cfg), cfg,
		pipeline.WithPlanGate(planGate(cfg)),
		pipeline.WithHistory(historyProvider(cfg)),
		pipeline.WithNotifier(notifier(cfg)),
	)

	server := httpapi.NewServer(store, executor,
		httpapi.WithCORSOrigins(cfg.Server.CORSOrigins))

	slog.Info("coachlens starting",
		"addr", cfg.Server.ListenAddr,
		"version", version,
		"providers", len(cfg.Providers))

	serveErr := server.ListenAndServe(ctx, cfg.Server.ListenAddr)

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := executor.Shutdown(drainCtx); err != nil {
		slog.Warn("executor drain incomplete", "err", err)
	}

	return serveErr
}

func setupLogging(level config.LogLevel) {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// newRegistry wires the built-in provider adapters. "openai" and "anthropic"
// use the native SDKs; everything else goes through the universal adapter.
func newRegistry() *config.Registry {
	reg := config.NewRegistry()

	reg.Register("openai", func(spec config.ProviderSpec) (llm.Provider, error) {
		var opts []openai.Option
		if spec.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(spec.BaseURL))
		}
		return openai.New(spec.APIKey, spec.Model, opts...)
	})
	reg.Register("anthropic", func(spec config.ProviderSpec) (llm.Provider, error) {
		var opts []anthropic.Option
		if spec.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(spec.BaseURL))
		}
		return anthropic.New(spec.APIKey, spec.Model, opts...)
	})
	for _, backend := range []string{"gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		backend := backend
		reg.Register(backend, func(spec config.ProviderSpec) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if spec.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(spec.APIKey))
			}
			if spec.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(spec.BaseURL))
			}
			return anyllm.New(backend, spec.Model, opts...)
		})
	}

	return reg
}

func transcriptSource(cfg *config.Config) pipeline.TranscriptSource {
	return collab.NewHTTPTranscriptSource(cfg.Collaborators.TranscriptsURL, 0)
}

func planGate(cfg *config.Config) pipeline.PlanGate {
	if cfg.Collaborators.PlanGateURL == "" {
		return collab.StaticPlanGate{}
	}
	return collab.NewHTTPPlanGate(cfg.Collaborators.PlanGateURL, 0)
}

func historyProvider(cfg *config.Config) pipeline.HistoryProvider {
	if cfg.Collaborators.HistoryURL == "" {
		return collab.StaticHistoryProvider("")
	}
	return collab.NewHTTPHistoryProvider(cfg.Collaborators.HistoryURL, 0)
}

func notifier(cfg *config.Config) pipeline.Notifier {
	if cfg.Collaborators.WebhookURL == "" {
		return collab.NopNotifier{}
	}
	return collab.NewWebhookNotifier(cfg.Collaborators.WebhookURL, 0)
}
