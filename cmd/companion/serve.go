package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/companion/internal/api"
	"github.com/nugget/companion/internal/buildinfo"
	"github.com/nugget/companion/internal/config"
	"github.com/nugget/companion/internal/connwatch"
	"github.com/nugget/companion/internal/events"
	"github.com/nugget/companion/internal/llm"
	"github.com/nugget/companion/internal/mqtt"
	"github.com/nugget/companion/internal/orchestrator"
	"github.com/nugget/companion/internal/persona"
	"github.com/nugget/companion/internal/scheduler"
	"github.com/nugget/companion/internal/store"
	"github.com/nugget/companion/internal/weather"
)

// shutdownTimeout bounds how long in-flight HTTP requests get to drain.
const shutdownTimeout = 10 * time.Second

// runServe starts the API server, the background scheduler, provider
// health monitoring and, when configured, the MQTT bridge. It blocks
// until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)

	logger.Info("starting companion",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.New()

	completer := createCompleter(cfg, logger)
	if completer == nil {
		logger.Warn("no completion provider configured; generations will fail")
	}

	monitor := connwatch.New(ctx, connwatch.DefaultBackoff(), func(name string, ready bool, err error) {
		data := map[string]any{"provider": name, "ready": ready}
		if err != nil {
			data["error"] = err.Error()
		}
		bus.Emit(events.SourceHealth, events.KindProviderStatus, data)
	}, logger.With("component", "connwatch"))
	if completer != nil {
		for name, p := range completer.Pingers() {
			monitor.Watch(name, p.Ping)
		}
	}

	var wx orchestrator.WeatherSource
	if cfg.Weather.Enabled {
		_, _, _, ttl := cfg.Durations()
		wx = weather.NewClient(cfg.Weather.BaseURL, ttl, cfg.Weather.Contact, logger.With("component", "weather"))
		logger.Info("weather enabled", "base_url", cfg.Weather.BaseURL, "cache_ttl", ttl)
	}

	engine := buildEngine(cfg, orchestrator.Deps{
		Store:     st,
		Completer: completerOrNil(completer),
		Weather:   wx,
		Bus:       bus,
		Logger:    logger.With("component", "engine"),
	})
	if err := engine.Init(ctx); err != nil {
		monitor.Stop()
		return fmt.Errorf("start engine: %w", err)
	}

	server := api.NewServer(api.Config{
		Address:           cfg.Listen.Address,
		Port:              cfg.Listen.Port,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
		Burst:             cfg.API.Burst,
	}, api.Deps{
		Engine: engine,
		Store:  st,
		Bus:    bus,
		Health: monitor,
		Logger: logger.With("component", "api"),
	})

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		clientID, err := mqtt.LoadOrCreateClientID(cfg.DataDir, cfg.MQTT.ClientID)
		if err != nil {
			logger.Warn("mqtt client id not persisted", "error", err)
			clientID = cfg.MQTT.ClientID
		}
		bridge = mqtt.New(cfg.MQTT, clientID, mqtt.Deps{
			Bus:    bus,
			Inbox:  engine,
			Logger: logger,
		})
		monitor.Watch("mqtt", bridge.AwaitConnection)
		logger.Info("mqtt enabled", "broker", cfg.MQTT.Broker, "client_id", clientID)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if bridge != nil {
		g.Go(func() error {
			if err := bridge.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mqtt bridge: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
		if bridge != nil {
			if err := bridge.Stop(shutdownCtx); err != nil {
				logger.Debug("mqtt disconnect failed", "error", err)
			}
		}
		monitor.Stop()
		engine.Shutdown()
		return nil
	})

	err = g.Wait()
	logger.Info("companion stopped", "uptime", buildinfo.Uptime().Round(time.Second))
	return err
}

// openStore opens the SQLite store under the data directory and seeds
// it with the persona files from the persona directory. Existing
// conversations keep their stored configuration.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "companion.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dbPath, err)
	}
	logger.Info("store opened", "path", dbPath)

	if cfg.PersonaDir == "" {
		return st, nil
	}
	configs, err := persona.Load(cfg.PersonaDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load personas: %w", err)
	}
	n, err := persona.Seed(ctx, st, configs, false, logger.With("component", "persona"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("seed personas: %w", err)
	}
	logger.Info("personas loaded", "dir", cfg.PersonaDir, "found", len(configs), "seeded", n)
	return st, nil
}

// createCompleter registers every configured provider and routes
// models to them. Models without an explicit route go to the provider
// named by models.provider. It returns nil when no provider is
// configured.
func createCompleter(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	providers := make(map[string]llm.Completer)
	if cfg.Ollama.Configured() {
		providers["ollama"] = llm.NewOllamaClient(cfg.Ollama.URL, logger)
	}
	if cfg.OpenAI.Configured() {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, logger)
	}
	if cfg.Anthropic.Configured() {
		providers["anthropic"] = llm.NewAnthropicClient("", cfg.Anthropic.APIKey, logger)
	}
	if len(providers) == 0 {
		return nil
	}

	multi := llm.NewMultiClient(providers[cfg.Models.Provider])
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		if _, ok := providers[m.Provider]; !ok {
			logger.Warn("model routed to unconfigured provider", "model", m.Name, "provider", m.Provider)
			continue
		}
		multi.AddModel(m.Name, m.Provider)
	}
	return multi
}

// completerOrNil avoids handing the engine a typed nil interface.
func completerOrNil(m *llm.MultiClient) llm.Completer {
	if m == nil {
		return nil
	}
	return m
}

// buildEngine translates the file configuration into engine settings.
func buildEngine(cfg *config.Config, deps orchestrator.Deps) *orchestrator.Engine {
	genTimeout, stagger, sweep, _ := cfg.Durations()
	return orchestrator.New(orchestrator.Config{
		DefaultModel:       cfg.Models.Default,
		DefaultTemperature: cfg.Models.Temperature,
		GenerationTimeout:  genTimeout,
		BubbleStagger:      stagger,
		SchedulerEnabled:   cfg.Scheduler.Enabled,
		Scheduler: scheduler.Config{
			SweepInterval: sweep,
			Location:      cfg.Location(),
		},
	}, deps)
}
