// Package atelier is the public API for embedding the Atelier artist runtime.
//
// Media generation is pluggable: callers register Generators (and
// optionally an Analyzer) and Atelier drives the rest of the cycle,
// including lyrics, self-critique, human approval and artist lifecycle:
//
//	app, err := atelier.New(
//	    atelier.WithVersion(version),
//	    atelier.WithLogger(logger),
//	    atelier.WithGenerator(myAudioGenerator{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way around. Public
// types are plain structs; the adapters in adapters.go convert between the
// two sides.
package atelier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/atelier/internal/approval"
	"github.com/ashita-ai/atelier/internal/artifacts"
	"github.com/ashita-ai/atelier/internal/auth"
	"github.com/ashita-ai/atelier/internal/config"
	"github.com/ashita-ai/atelier/internal/coordinator"
	"github.com/ashita-ai/atelier/internal/lifecycle"
	"github.com/ashita-ai/atelier/internal/mcp"
	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/provider"
	"github.com/ashita-ai/atelier/internal/ratelimit"
	"github.com/ashita-ai/atelier/internal/router"
	"github.com/ashita-ai/atelier/internal/server"
	"github.com/ashita-ai/atelier/internal/storage"
	"github.com/ashita-ai/atelier/internal/storage/memstore"
	"github.com/ashita-ai/atelier/internal/storage/sqlite"
	"github.com/ashita-ai/atelier/internal/telemetry"
	"github.com/ashita-ai/atelier/migrations"
)

// ErrNothingToRun is returned by Tick when no artist is selectable and no
// candidate could be created.
var ErrNothingToRun = lifecycle.ErrNoEntity

// repository is the union of what the subsystems need from storage.
// The Postgres, SQLite and in-memory stores all satisfy it.
type repository interface {
	coordinator.RunStore
	lifecycle.EntityStore
	lifecycle.RunSweeper
	server.Store
	mcp.Store
	approval.DecisionRepo
}

const shutdownTimeout = 15 * time.Second

// App is the Atelier runtime. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	repo         repository
	pg           *storage.DB // nil unless the postgres store is used
	lifecycle    *lifecycle.Manager
	srv          *server.Server
	limiter      ratelimit.Limiter
	closers      []func()
	otelShutdown telemetry.Shutdown
	hooks        []RunHook
	logger       *slog.Logger
	version      string
}

// New initialises Atelier. It opens storage, runs migrations, and wires the
// provider router, approval gateway, run coordinator, lifecycle manager and
// HTTP server. It does NOT start any goroutines or accept HTTP connections;
// call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.store != "" {
		cfg.Store = o.store
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("atelier starting", "version", version, "port", cfg.Port, "store", cfg.Store)
	ctx := context.Background()

	a := &App{cfg: cfg, hooks: o.runHooks, logger: logger, version: version}
	fail := func(err error) (*App, error) {
		a.closeAll()
		return nil, err
	}

	a.otelShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if err := a.openStore(ctx); err != nil {
		return fail(err)
	}

	// Approval gateway.
	signer, err := auth.NewTokenSigner(cfg.DecisionSecret, cfg.DecisionTTL)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	var decisions approval.DecisionStore = approval.NewRepoStore(a.repo)
	var redisStore *approval.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = approval.NewRedisStore(ctx, cfg.RedisURL, cfg.DecisionTTL)
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		a.closers = append(a.closers, func() { _ = redisStore.Close() })
		decisions = redisStore
		logger.Info("approval decisions: redis")
	}
	var notifier approval.Notifier = approval.NewLogNotifier(logger)
	if cfg.WebhookURL != "" {
		notifier = approval.NewWebhookNotifier(cfg.WebhookURL, logger)
	} else {
		logger.Warn("no ATELIER_WEBHOOK_URL configured, approval requests are only logged")
	}
	approvals := approval.New(decisions, notifier, signer, cfg.PublicBaseURL, logger)

	// Preview links.
	var linker artifacts.Linker = artifacts.PassthroughLinker{}
	if cfg.S3Endpoint != "" {
		l, err := artifacts.NewMinIOLinker(artifacts.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Region:    cfg.S3Region,
			TTL:       cfg.S3PresignTTL,
		})
		if err != nil {
			return fail(err)
		}
		linker = l
		logger.Info("artifact previews: presigned object storage links", "endpoint", cfg.S3Endpoint)
	}

	// Text providers and router.
	providers, err := config.LoadProviders(cfg)
	if err != nil {
		return fail(err)
	}
	registry := provider.NewRegistry()
	for _, spec := range providers.Specs(cfg.ProviderTimeout) {
		gw, err := provider.New(spec)
		if err != nil {
			return fail(fmt.Errorf("providers: %w", err))
		}
		registry.Register(gw)
	}
	logger.Info("text providers", "registered", registry.Names())
	rt := router.New(registry, router.Policy{
		MaxAttempts: cfg.RouterMaxAttempts,
		BaseDelay:   cfg.RouterBaseDelay,
		MaxDelay:    cfg.RouterMaxDelay,
	}, logger)

	// Run coordinator.
	generators := make([]coordinator.Generator, len(o.generators))
	for i, g := range o.generators {
		generators[i] = generatorAdapter{g: g}
	}
	if len(generators) == 0 {
		logger.Warn("no generators registered, runs carry text artifacts only")
	}
	var analyzer coordinator.Analyzer
	if o.analyzer != nil {
		analyzer = analyzerAdapter{a: o.analyzer}
	}
	variants := providers.Experiments.Variants
	coord := coordinator.New(coordinator.Deps{
		Store:      a.repo,
		Approvals:  approvals,
		Router:     rt,
		Linker:     linker,
		Generators: generators,
		Analyzer:   analyzer,
	}, coordinator.Config{
		ExperimentsEnabled: cfg.ExperimentsEnabled,
		Variants: [2]coordinator.Variant{
			{Name: variants.A.Name, Parameters: variants.A.Parameters},
			{Name: variants.B.Name, Parameters: variants.B.Parameters},
		},
		LyricsEnabled:       cfg.LyricsEnabled && len(providers.Chains.Lyrics) > 0,
		LyricsChain:         providers.Chains.Lyrics,
		ReflectionEnabled:   cfg.ReflectionEnabled && len(providers.Chains.Reflection) > 0,
		ReflectionChain:     providers.Chains.Reflection,
		ApprovalTimeout:     cfg.ApprovalTimeout,
		PollInterval:        cfg.ApprovalPollInterval,
		AnalysisConcurrency: cfg.AnalysisConcurrency,
	}, logger)

	// Lifecycle manager.
	var factory lifecycle.CandidateFactory
	if len(providers.Chains.Persona) > 0 {
		factory = lifecycle.NewPersonaFactory(rt, providers.Chains.Persona)
	} else {
		logger.Info("candidate creation disabled (no persona chain)")
	}
	a.lifecycle = lifecycle.New(a.repo, coord, factory, lifecycle.Config{
		RetirementThreshold:  cfg.RetirementThreshold,
		ActiveFloor:          cfg.ActiveFloor,
		CandidateProbability: cfg.CandidateProbability,
	}, logger)

	// Close runs a previous process left in flight; they block their
	// entities from selection.
	if n, err := a.lifecycle.RecoverInFlight(ctx, a.repo); err != nil {
		logger.Error("recover interrupted runs", "error", err, "recovered", n)
	} else if n > 0 {
		logger.Info("recovered interrupted runs", "count", n)
	}

	// Rate limiter for the approval callback.
	switch {
	case cfg.CallbackRateLimit == 0:
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("callback rate limiting: disabled")
	case redisStore != nil:
		a.limiter = ratelimit.NewRedisLimiter(redisStore.Client(), ratelimit.Rule{
			Prefix: "approvals", Limit: cfg.CallbackRateLimit, Window: time.Minute,
		}, logger)
		logger.Info("callback rate limiting: redis sliding window", "per_minute", cfg.CallbackRateLimit)
	default:
		a.limiter = ratelimit.NewMemoryLimiter(float64(cfg.CallbackRateLimit)/60, cfg.CallbackRateLimit)
		logger.Info("callback rate limiting: memory token bucket", "per_minute", cfg.CallbackRateLimit)
	}

	mcpSrv := mcp.New(a.repo, approvals, version, logger)

	a.srv = server.New(server.ServerConfig{
		Store:               a.repo,
		Logger:              logger,
		Approvals:           approvals,
		Verifier:            signer,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		AdminKeyHash:        cfg.AdminKeyHash,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	if cfg.AdminKeyHash == "" {
		logger.Warn("no ATELIER_ADMIN_KEY_HASH configured, operator API is unauthenticated")
	}

	return a, nil
}

// openStore connects the configured backend and applies migrations.
func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case config.StorePostgres:
		db, err := storage.New(ctx, a.cfg.DatabaseURL, a.cfg.NotifyURL, a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.closers = append(a.closers, func() { db.Close(context.Background()) })
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		a.repo, a.pg = db, db
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, a.cfg.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		a.repo = s
	case config.StoreMemory:
		a.logger.Warn("memory store: artists and runs are lost on restart")
		a.repo = memstore.New()
	default:
		return fmt.Errorf("storage: unknown backend %q", a.cfg.Store)
	}
	return nil
}

// Handler returns the root HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Tick runs one generation cycle for the next artist and applies its outcome.
// It returns ErrNothingToRun when no artist is available.
func (a *App) Tick(ctx context.Context) (RunEvent, error) {
	out, err := a.lifecycle.Tick(ctx)
	if err != nil {
		return RunEvent{}, err
	}
	ev := RunEvent{RunID: out.RunID, EntityID: out.EntityID, State: string(out.State)}
	if !a.listensForRuns() {
		a.fireHooks(ev)
	}
	return ev, nil
}

// Run starts the cycle loop and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	loopCtx, stopLoops := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() { a.cycleLoop(loopCtx) })
	if a.listensForRuns() {
		wg.Go(func() { a.runEventLoop(loopCtx) })
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	// An in-flight cycle sees the cancellation and persists timed_out.
	stopLoops()
	wg.Wait()

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops the HTTP server and releases everything New opened.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("atelier shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	var errs []error
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, err)
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	a.closeAll()

	a.logger.Info("atelier stopped")
	return errors.Join(errs...)
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
		a.otelShutdown = nil
	}
}

// ── Background loops ──────────────────────────────────────────────────────────

// cycleLoop runs one cycle immediately, then one per CycleInterval. Cycles
// never overlap: a slow cycle delays the next tick.
func (a *App) cycleLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		a.tickOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *App) tickOnce(ctx context.Context) {
	ev, err := a.Tick(ctx)
	switch {
	case errors.Is(err, ErrNothingToRun):
		a.logger.Info("cycle skipped: no artist available")
	case err != nil:
		a.logger.Error("cycle failed", "error", err)
	default:
		a.logger.Info("cycle finished", "run_id", ev.RunID, "entity_id", ev.EntityID, "state", ev.State)
	}
}

// listensForRuns reports whether hooks are driven by Postgres NOTIFY, which
// also delivers runs finished by other instances.
func (a *App) listensForRuns() bool {
	return a.pg != nil && a.pg.HasNotifyConn() && len(a.hooks) > 0
}

func (a *App) runEventLoop(ctx context.Context) {
	if err := a.pg.Listen(ctx, storage.ChannelRuns); err != nil {
		a.logger.Error("run events: listen failed", "error", err)
		return
	}
	for {
		_, payload, err := a.pg.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("run events: wait failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		var ev storage.RunEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			a.logger.Warn("run events: bad payload", "error", err)
			continue
		}
		pub, err := toPublicRunEvent(ev)
		if err != nil {
			a.logger.Warn("run events: bad ids", "error", err)
			continue
		}
		a.fireHooks(pub)
	}
}

// fireHooks notifies every hook in its own goroutine.
func (a *App) fireHooks(ev RunEvent) {
	if !model.RunState(ev.State).IsTerminal() {
		return
	}
	for _, h := range a.hooks {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.OnRunFinished(ctx, ev); err != nil {
				a.logger.Warn("run hook failed", "run_id", ev.RunID, "error", err)
			}
		}()
	}
}
