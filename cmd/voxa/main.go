// Command voxa is the main entry point for the Voxa assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxa-ai/voxa/internal/app"
	"github.com/voxa-ai/voxa/internal/config"
	"github.com/voxa-ai/voxa/internal/observe"
	"github.com/voxa-ai/voxa/pkg/provider/embeddings"
	ollamaembed "github.com/voxa-ai/voxa/pkg/provider/embeddings/ollama"
	oaembed "github.com/voxa-ai/voxa/pkg/provider/embeddings/openai"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
	"github.com/voxa-ai/voxa/pkg/provider/llm/anyllm"
	oallm "github.com/voxa-ai/voxa/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxa: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxa: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	slog.Info("voxa starting",
		"config", *configPath,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: cfg.Observe.ServiceVersion,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithConfigReload(*configPath))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with Voxa. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"embeddings": {"openai", "ollama"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// API keys come from the VOXA_LLM_API_KEY environment variable; the config
// file only names providers, models, and endpoints.
func registerBuiltinProviders(reg *config.Registry) {
	// openai uses the dedicated SDK-backed implementation.
	reg.RegisterLLM("openai", func(entry config.AIConfig) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(os.Getenv("VOXA_LLM_API_KEY"), entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq share the any-llm adapter:
	// optional API key + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.AIConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if key := os.Getenv("VOXA_LLM_API_KEY"); key != "" {
				opts = append(opts, anyllmlib.WithAPIKey(key))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.AIConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.EmbeddingsConfig) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(os.Getenv("VOXA_LLM_API_KEY"), entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.EmbeddingsConfig) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	name := cfg.AI.Provider
	if name == "" {
		return nil, fmt.Errorf("ai.provider must be set")
	}
	p, err := reg.CreateLLM(name, cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", name, err)
	}
	ps.LLM = p
	slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.AI.Model)

	if fbName := cfg.AI.FallbackProvider; fbName != "" {
		fbCfg := cfg.AI
		fbCfg.Provider = fbName
		fbCfg.Model = cfg.AI.FallbackModel
		fbCfg.BaseURL = ""
		fb, err := reg.CreateLLM(fbName, fbCfg)
		if err != nil {
			return nil, fmt.Errorf("create fallback provider %q: %w", fbName, err)
		}
		ps.Fallback = fb
		slog.Info("provider created", "kind", "llm-fallback", "name", fbName, "model", fbCfg.Model)
	}

	if embName := cfg.AI.Embeddings.Provider; embName != "" {
		emb, err := reg.CreateEmbeddings(embName, cfg.AI.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("embeddings provider not registered — semantic fact search disabled", "name", embName)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", embName, err)
		} else {
			ps.Embeddings = emb
			slog.Info("provider created", "kind", "embeddings", "name", embName, "model", cfg.AI.Embeddings.Model)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           Voxa — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.AI.Provider, cfg.AI.Model)
	printProvider("Fallback", cfg.AI.FallbackProvider, cfg.AI.FallbackModel)
	printProvider("Embeddings", cfg.AI.Embeddings.Provider, cfg.AI.Embeddings.Model)
	if cfg.Memory.PostgresDSN != "" {
		fmt.Printf("║  Memory store    : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Memory store    : %-19s ║\n", "in-process")
	}
	if cfg.RateLimiting.RedisAddr != "" {
		fmt.Printf("║  Rate counters   : %-19s ║\n", "redis")
	} else {
		fmt.Printf("║  Rate counters   : %-19s ║\n", "in-process")
	}
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.Plugins.MCPServers))
	fmt.Printf("║  Listen port     : %-19d ║\n", cfg.Server.Port)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(label, name, model string) {
	if name == "" {
		fmt.Printf("║  %-15s : %-19s ║\n", label, "(disabled)")
		return
	}
	detail := name
	if model != "" {
		detail = name + "/" + model
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, detail)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
