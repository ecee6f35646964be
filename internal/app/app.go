// Package app wires all Voxa subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithMemoryStore, WithCounterStore, etc.). When an option is not provided,
// New creates real implementations from the config: PostgreSQL-backed stores
// when a DSN is configured, in-process stores otherwise.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/voxa-ai/voxa/internal/config"
	"github.com/voxa-ai/voxa/internal/dispatch"
	"github.com/voxa-ai/voxa/internal/gateway"
	"github.com/voxa-ai/voxa/internal/health"
	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/internal/memory"
	"github.com/voxa-ai/voxa/internal/observe"
	"github.com/voxa-ai/voxa/internal/orchestrator"
	"github.com/voxa-ai/voxa/internal/plugin"
	"github.com/voxa-ai/voxa/internal/plugin/builtin/memorytool"
	"github.com/voxa-ai/voxa/internal/plugin/builtin/timeinfo"
	"github.com/voxa-ai/voxa/internal/plugin/builtin/weather"
	"github.com/voxa-ai/voxa/internal/plugin/builtin/websearch"
	"github.com/voxa-ai/voxa/internal/postgres"
	"github.com/voxa-ai/voxa/internal/ratelimit"
	"github.com/voxa-ai/voxa/internal/resilience"
	"github.com/voxa-ai/voxa/internal/transport"
	"github.com/voxa-ai/voxa/pkg/provider/embeddings"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// LLM is the primary chat backend. Required.
	LLM llm.Provider

	// Fallback, when non-nil, answers queries while the primary provider's
	// circuit breaker is open.
	Fallback llm.Provider

	// Embeddings, when non-nil, enables semantic long-term fact search.
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and serves the Voxa assistant API.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Stores — PostgreSQL-backed when a DSN is configured, in-process
	// otherwise. Any of them can be injected via Options.
	store      *postgres.Store // nil when running in process
	memStore   memory.Store
	users      identity.UserStore
	sessions   identity.SessionStore
	enablement plugin.EnablementStore
	counters   ratelimit.CounterStore

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics  *observe.Metrics
	manager  *memory.Manager
	identity *identity.Service
	limiter  *ratelimit.Limiter
	registry *plugin.Registry
	importer *plugin.MCPImporter
	gw       *gateway.Gateway
	orch     *orchestrator.Orchestrator
	server   *transport.Server
	httpSrv  *http.Server

	// cfgPath enables config hot-reload when non-empty.
	cfgPath string
	watcher *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemoryStore injects a conversation store instead of creating one from config.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.memStore = s }
}

// WithUserStore injects a user store instead of creating one from config.
func WithUserStore(s identity.UserStore) Option {
	return func(a *App) { a.users = s }
}

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s identity.SessionStore) Option {
	return func(a *App) { a.sessions = s }
}

// WithEnablementStore injects a plugin enablement store instead of creating
// one from config.
func WithEnablementStore(s plugin.EnablementStore) Option {
	return func(a *App) { a.enablement = s }
}

// WithCounterStore injects a rate-limit counter store instead of creating one
// from config.
func WithCounterStore(s ratelimit.CounterStore) Option {
	return func(a *App) { a.counters = s }
}

// WithConfigReload enables hot-reload of the config file at path. Changes to
// the MCP server list are applied live; other changes are logged and require
// a restart.
func WithConfigReload(path string) Option {
	return func(a *App) { a.cfgPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any store.
//
// New performs all initialisation synchronously: telemetry setup, store
// connection and schema migration, memory manager assembly, admin bootstrap,
// plugin registration (builtins plus MCP imports), and the LLM pipeline.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, fmt.Errorf("app: no LLM provider configured")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	a.initObserve()

	// ── 2. Stores ────────────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 3. Memory manager ────────────────────────────────────────────────
	if err := a.initMemory(); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 4. Identity ──────────────────────────────────────────────────────
	if err := a.initIdentity(ctx); err != nil {
		return nil, fmt.Errorf("app: init identity: %w", err)
	}

	// ── 5. Rate limiting ─────────────────────────────────────────────────
	if err := a.initLimiter(); err != nil {
		return nil, fmt.Errorf("app: init ratelimit: %w", err)
	}

	// ── 6. Plugins ───────────────────────────────────────────────────────
	if err := a.initPlugins(ctx); err != nil {
		return nil, fmt.Errorf("app: init plugins: %w", err)
	}

	// ── 7. LLM pipeline ──────────────────────────────────────────────────
	a.initPipeline()

	// ── 8. Transport ─────────────────────────────────────────────────────
	a.initTransport()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initObserve picks up the process-wide metrics set. The OTel provider itself
// is initialised once in main, before the App exists.
func (a *App) initObserve() {
	a.metrics = observe.DefaultMetrics()
}

// initStores connects the durable stores. A configured PostgreSQL DSN backs
// every store with one pooled connection; otherwise everything stays in
// process. Injected stores are left untouched.
func (a *App) initStores(ctx context.Context) error {
	if dsn := a.cfg.Memory.PostgresDSN; dsn != "" {
		dims := a.cfg.Memory.EmbeddingDimensions
		if dims <= 0 {
			dims = 1536
		}
		store, err := postgres.NewStore(ctx, dsn, dims)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		if a.memStore == nil {
			a.memStore = store.Memory()
		}
		if a.users == nil {
			a.users = store.Users()
		}
		if a.sessions == nil {
			a.sessions = store.Sessions()
		}
		if a.enablement == nil {
			a.enablement = store.Enablement()
		}
	}

	if a.memStore == nil {
		a.memStore = memory.NewMemStore()
	}
	if a.users == nil {
		a.users = identity.NewMemUserStore()
	}
	if a.sessions == nil {
		a.sessions = identity.NewMemSessionStore()
	}
	if a.enablement == nil {
		a.enablement = plugin.NewMemEnablementStore()
	}
	return nil
}

// initMemory assembles the tiered memory manager on top of the conversation
// store.
func (a *App) initMemory() error {
	mopts := []memory.ManagerOption{
		memory.WithShortTermWindow(a.cfg.Memory.ShortTermWindow()),
		memory.WithShortTermTokens(a.cfg.Memory.ShortTermTokens),
		memory.WithFactSearchK(a.cfg.Memory.FactSearchK),
	}
	if a.providers.Embeddings != nil {
		mopts = append(mopts, memory.WithEmbeddings(a.providers.Embeddings))
	}
	if tz := a.cfg.Memory.MidnightTimezone; tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("load timezone %q: %w", tz, err)
		}
		mopts = append(mopts, memory.WithMidnightLocation(loc))
	}
	a.manager = memory.NewManager(a.memStore, mopts...)
	a.closers = append(a.closers, func() error {
		a.manager.Close()
		return nil
	})
	return nil
}

// initIdentity sets up authentication and creates the admin account on first
// boot.
func (a *App) initIdentity(ctx context.Context) error {
	a.identity = identity.NewService(a.users, a.sessions,
		identity.WithSessionTTL(a.cfg.Security.SessionTTL()),
		identity.WithMaxSessionsPerUser(a.cfg.Security.MaxSessionsPerUser),
	)
	return a.identity.BootstrapAdmin(ctx, a.cfg.Security.AdminPasswordFile)
}

// initLimiter selects the counter backend and builds the sliding-window
// limiter. Redis wins over PostgreSQL wins over in-process.
func (a *App) initLimiter() error {
	if a.counters == nil {
		switch {
		case a.cfg.RateLimiting.RedisAddr != "":
			rc, err := ratelimit.NewRedisCounterStore(ratelimit.RedisCounterStoreConfig{
				Addr:     a.cfg.RateLimiting.RedisAddr,
				Password: os.Getenv("VOXA_REDIS_PASSWORD"),
				DB:       a.cfg.RateLimiting.RedisDB,
				Keep:     30 * 24 * time.Hour,
			})
			if err != nil {
				return err
			}
			a.counters = rc
			a.closers = append(a.closers, rc.Close)
		case a.store != nil:
			a.counters = a.store.RateCounters()
		default:
			a.counters = ratelimit.NewMemCounterStore()
		}
	}

	rl := a.cfg.RateLimiting
	freeRequests := int64(rl.FreeRequestsPerMonth)
	if freeRequests == 0 {
		freeRequests = 500
	}
	freeTokens := a.cfg.AI.MaxTokensFree
	if freeTokens == 0 {
		freeTokens = 150
	}
	a.limiter = ratelimit.NewLimiter(a.counters,
		ratelimit.WithFreeLimits(ratelimit.Limits{
			RequestsPerWindow: freeRequests,
			TokensPerWindow:   int64(rl.FreeTokensPerMonth),
			MaxOutputTokens:   freeTokens,
		}),
		ratelimit.WithPaidLimits(ratelimit.Limits{
			RequestsPerWindow: int64(rl.PaidRequestsPerMonth),
			MaxOutputTokens:   a.cfg.AI.MaxTokensPaid,
		}),
	)
	return nil
}

// initPlugins registers the builtin plugins and imports configured MCP server
// catalogues.
func (a *App) initPlugins(ctx context.Context) error {
	a.registry = plugin.NewRegistry(a.enablement,
		plugin.WithHandlerTimeout(a.cfg.Plugins.HandlerTimeout()),
		plugin.WithWhitelist(a.cfg.Plugins.Whitelist),
	)

	builtins := []plugin.Descriptor{
		timeinfo.NewPlugin(nil),
		weather.NewPlugin(nil),
		websearch.NewPlugin(nil),
		memorytool.NewPlugin(a.manager),
	}
	for _, desc := range builtins {
		if err := a.registry.Register(desc); err != nil {
			return fmt.Errorf("register %s: %w", desc.Name, err)
		}
	}

	a.importer = plugin.NewMCPImporter(a.cfg.Plugins.MaxFileSizeBytes)
	a.importer.Sync(ctx, a.registry, a.cfg.Plugins.MCPServers, a.cfg.Plugins.LoadTimeout())
	a.closers = append(a.closers, a.importer.Close)
	return nil
}

// initPipeline assembles the LLM path: optional fallback chain, admission
// gateway, tool dispatcher, and the orchestrator on top.
func (a *App) initPipeline() {
	provider := a.providers.LLM
	if a.providers.Fallback != nil {
		lf := resilience.NewLLMFallback(provider, a.cfg.AI.Provider, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{Name: a.cfg.AI.Provider},
		})
		lf.AddFallback(a.cfg.AI.FallbackProvider, a.providers.Fallback)
		provider = lf
	}

	a.gw = gateway.NewGateway(provider, a.cfg.AI.Provider, a.cfg.AI.Model, a.limiter,
		gateway.WithTimeout(a.cfg.AI.Timeout()),
		gateway.WithMaxAttempts(a.cfg.AI.MaxRetries),
		gateway.WithMaxInFlight(a.cfg.AI.MaxInFlight),
	)
	disp := dispatch.NewDispatcher(a.gw, a.registry)
	a.orch = orchestrator.NewOrchestrator(a.manager, a.registry, disp, a.gw, a.limiter)
}

// initTransport builds the HTTP surface: REST + WebSocket routes, health
// endpoints, and the listener itself.
func (a *App) initTransport() {
	checkers := []health.Checker{
		{Name: "provider", Check: func(ctx context.Context) error {
			_, err := a.gw.CountTokens(nil)
			return err
		}},
	}
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.store.Ping})
	}

	a.server = transport.NewServer(a.orch, a.identity, a.registry, a.metrics,
		transport.WithCORSOrigins(a.cfg.Security.CORSOrigins),
		transport.WithReconnectGrace(a.cfg.Security.ReconnectGrace()),
		transport.WithHealth(health.New(checkers...)),
		transport.WithVersion(a.cfg.Observe.ServiceVersion),
	)

	a.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port)),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Handler returns the root HTTP handler. Exposed for tests that drive the API
// through httptest instead of a real listener.
func (a *App) Handler() http.Handler {
	return a.httpSrv.Handler
}

// Run starts the HTTP listener and blocks until ctx is cancelled or the
// listener fails. Config hot-reload, when enabled, runs alongside.
func (a *App) Run(ctx context.Context) error {
	if a.cfgPath != "" {
		w, err := config.NewWatcher(a.cfgPath, a.onConfigChange)
		if err != nil {
			return fmt.Errorf("app: config watcher: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("listening", "addr", a.httpSrv.Addr, "tls", true)
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", a.httpSrv.Addr)
			err = a.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// onConfigChange applies what can change live. The MCP server list is
// re-synced against the registry; anything else is reported as needing a
// restart.
func (a *App) onConfigChange(old, next *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), next.Plugins.LoadTimeout())
	defer cancel()
	a.importer.Sync(ctx, a.registry, next.Plugins.MCPServers, next.Plugins.LoadTimeout())

	if old.Server != next.Server || old.Memory != next.Memory {
		slog.Warn("config change requires restart", "sections", "server/memory")
	}
}

// Shutdown stops the HTTP server, then runs all closers in registration
// order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
