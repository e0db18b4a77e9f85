// Package coordinator executes one generation cycle for one entity.
//
// A cycle creates a run, generates artifacts, optionally reflects on them,
// asks for approval (unless the entity runs on autopilot) and waits a
// bounded time for the decision. Every state change is persisted before the
// next step starts, and the run always ends in a terminal state unless the
// run store itself fails.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/atelier/internal/approval"
	"github.com/ashita-ai/atelier/internal/artifacts"
	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/provider"
	"github.com/ashita-ai/atelier/internal/telemetry"
)

// Features are analysis results for one artifact, e.g. "tempo_bpm" and
// "duration_seconds".
type Features map[string]any

// EntityProfile is what a generator sees of the entity.
type EntityProfile struct {
	EntityID uuid.UUID
	Name     string
	Profile  map[string]any
	// Prior holds artifacts produced earlier in the same cycle.
	Prior []model.ArtifactRef
}

// Generator produces artifacts for a run. It is called at most once per run
// and its errors are not retried.
type Generator interface {
	Name() string
	Generate(ctx context.Context, profile EntityProfile, snapshot model.ParameterSnapshot) ([]model.ArtifactRef, error)
}

// Analyzer extracts features from an audio artifact.
type Analyzer interface {
	Analyze(ctx context.Context, ref model.ArtifactRef) (Features, error)
}

// RunStore persists runs.
type RunStore interface {
	CreateRun(ctx context.Context, run model.Run) error
	SaveRun(ctx context.Context, run model.Run) error
}

// TextRouter routes a text request down a ranked provider chain.
type TextRouter interface {
	Route(ctx context.Context, req provider.Request, ranked []provider.Pair) (provider.Response, provider.Pair, error)
}

// Variant is one arm of the A/B parameter experiment.
type Variant struct {
	Name       string
	Parameters map[string]any
}

// Config controls the optional steps of a cycle and the approval wait.
type Config struct {
	ExperimentsEnabled bool
	Variants           [2]Variant

	LyricsEnabled     bool
	LyricsChain       []provider.Pair
	ReflectionEnabled bool
	ReflectionChain   []provider.Pair

	ApprovalTimeout     time.Duration
	PollInterval        time.Duration
	AnalysisConcurrency int
}

// Deps are the collaborators a Coordinator drives. Analyzer, Router and
// Linker are optional.
type Deps struct {
	Store      RunStore
	Approvals  approval.Gateway
	Router     TextRouter
	Linker     artifacts.Linker
	Generators []Generator
	Analyzer   Analyzer
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// Clock is the time source for run timestamps and the approval wait. The
// deadline is read from Now and the wait between polls sleeps on After, so a
// fake Clock must advance Now when an After channel fires.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now().UTC() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithRand replaces the random source used for variant selection.
func WithRand(r *rand.Rand) Option {
	return func(c *Coordinator) { c.rng = r }
}

// Coordinator runs generation cycles.
type Coordinator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	clock  Clock
	rng    *rand.Rand
}

// New creates a Coordinator.
func New(deps Deps, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 24 * time.Hour
	}
	if cfg.AnalysisConcurrency <= 0 {
		cfg.AnalysisConcurrency = 4
	}
	if deps.Linker == nil {
		deps.Linker = artifacts.PassthroughLinker{}
	}
	c := &Coordinator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "coordinator"),
		tracer: telemetry.Tracer("atelier/coordinator"),
		clock:  wallClock{},
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) now() time.Time { return c.clock.Now() }

// ExecuteCycle runs one cycle for entity and returns its outcome.
//
// Generation, lyric and approval-request failures end the run in failed and
// are reported through the outcome, not the error. So is a step the store
// refused to save, once the run has been closed as failed. The error is
// non-nil only when the run could not be created or its terminal state could
// not be saved (a *model.PersistenceError).
func (c *Coordinator) ExecuteCycle(ctx context.Context, entity model.Entity) (model.RunOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.ExecuteCycle",
		trace.WithAttributes(attribute.String("entity.id", entity.ID.String())))
	defer span.End()

	run := model.NewRun(entity.ID, c.snapshot(entity), c.now())
	span.SetAttributes(attribute.String("run.id", run.ID.String()))
	log := c.logger.With("run_id", run.ID, "entity_id", entity.ID)

	if err := c.deps.Store.CreateRun(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create run")
		return model.RunOutcome{}, model.Persistence("create run", err)
	}
	log.Info("run created", "variant", deref(run.ParameterSnapshot.Variant))

	c2 := cycle{c: c, run: &run, entity: entity, log: log}
	outcome, err := c2.execute(ctx)
	span.SetAttributes(attribute.String("run.state", string(run.State)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence")
	}
	return outcome, err
}

// cycle carries the state of one ExecuteCycle call.
type cycle struct {
	c        *Coordinator
	run      *model.Run
	entity   model.Entity
	log      *slog.Logger
	features Features
	lyrics   string
}

func (y *cycle) execute(ctx context.Context) (model.RunOutcome, error) {
	if err := y.transition(ctx, model.RunStateGenerating); err != nil {
		return y.abandon(ctx, err)
	}

	if reason, ok := y.generate(ctx); !ok {
		return y.fail(ctx, reason)
	}
	if reason, ok := y.writeLyrics(ctx); !ok {
		return y.fail(ctx, reason)
	}
	y.reflect(ctx)

	if y.entity.AutopilotEnabled {
		y.log.Info("autopilot enabled, approving without review")
		if err := y.transition(ctx, model.RunStateApproved); err != nil {
			return model.RunOutcome{}, err
		}
		return y.run.Outcome(), nil
	}

	if err := y.transition(ctx, model.RunStateAwaitingApproval); err != nil {
		return y.abandon(ctx, err)
	}
	handle, err := y.c.deps.Approvals.RequestApproval(ctx, y.preview(ctx))
	if err != nil {
		return y.fail(ctx, fmt.Sprintf("approval request: %v", err))
	}
	h := string(handle)
	y.run.ApprovalHandle = &h
	if err := y.save(ctx); err != nil {
		return y.abandon(ctx, err)
	}

	final := y.c.awaitDecision(ctx, handle, y.log)
	if err := y.transition(ctx, final); err != nil {
		return model.RunOutcome{}, err
	}
	y.log.Info("run decided", "state", final)
	return y.run.Outcome(), nil
}

// transition moves the run to state and persists it. Terminal saves use a
// context detached from cancellation so shutdown never strands a run.
func (y *cycle) transition(ctx context.Context, to model.RunState) error {
	if err := y.run.Transition(to, y.c.now()); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	return y.save(ctx)
}

func (y *cycle) save(ctx context.Context) error {
	if y.run.State.IsTerminal() {
		ctx = context.WithoutCancel(ctx)
	}
	if err := y.c.deps.Store.SaveRun(ctx, *y.run); err != nil {
		return model.Persistence("save run", err)
	}
	return nil
}

// abandon closes the run as failed after a non-terminal step could not be
// saved, so the entity is not left holding an in-flight run. If the terminal
// save fails as well the original error is returned and the run is left for
// the startup sweep.
func (y *cycle) abandon(ctx context.Context, err error) (model.RunOutcome, error) {
	if y.run.State.IsTerminal() {
		return model.RunOutcome{}, err
	}
	y.log.Error("run step not persisted", "state", y.run.State, "error", err)
	if ferr := y.run.Fail(fmt.Sprintf("persist %s: %v", y.run.State, err), y.c.now()); ferr != nil {
		return model.RunOutcome{}, err
	}
	if serr := y.save(ctx); serr != nil {
		return model.RunOutcome{}, err
	}
	return y.run.Outcome(), nil
}

func (y *cycle) fail(ctx context.Context, reason string) (model.RunOutcome, error) {
	y.log.Warn("run failed", "reason", reason)
	if err := y.run.Fail(reason, y.c.now()); err != nil {
		return model.RunOutcome{}, fmt.Errorf("coordinator: %w", err)
	}
	if err := y.save(ctx); err != nil {
		return model.RunOutcome{}, err
	}
	return y.run.Outcome(), nil
}

// generate runs every generator in order, then the analyzer. It returns a
// failure reason and false when a generator fails.
func (y *cycle) generate(ctx context.Context) (string, bool) {
	profile := EntityProfile{
		EntityID: y.entity.ID,
		Name:     y.entity.Name,
		Profile:  model.CloneMap(y.entity.Profile),
	}
	for _, g := range y.c.deps.Generators {
		profile.Prior = append([]model.ArtifactRef(nil), y.run.ArtifactRefs...)
		refs, err := g.Generate(ctx, profile, y.run.ParameterSnapshot)
		if err != nil {
			gerr := &model.GenerationError{Service: g.Name(), Err: err}
			return gerr.Error(), false
		}
		y.run.ArtifactRefs = append(y.run.ArtifactRefs, refs...)
		y.log.Info("generator finished", "generator", g.Name(), "artifacts", len(refs))
	}
	y.features = y.c.analyze(ctx, y.run.ArtifactRefs, y.log)
	return "", true
}

// writeLyrics asks the router for lyrics when enabled and audio features
// are available. Router exhaustion fails the run.
func (y *cycle) writeLyrics(ctx context.Context) (string, bool) {
	cfg := y.c.cfg
	if !cfg.LyricsEnabled || len(cfg.LyricsChain) == 0 || y.c.deps.Router == nil || len(y.features) == 0 {
		return "", true
	}
	resp, pair, err := y.c.deps.Router.Route(ctx, lyricsRequest(y.entity, y.features, y.run.ParameterSnapshot), cfg.LyricsChain)
	if err != nil {
		return fmt.Sprintf("lyrics: %v", err), false
	}
	y.lyrics = resp.Text
	y.run.ArtifactRefs = append(y.run.ArtifactRefs, lyricsArtifact(resp.Text, pair))
	y.run.ProviderUsage = append(y.run.ProviderUsage, model.ProviderUse{Step: "lyrics", Provider: pair.Provider, Model: pair.Model})
	return "", true
}

// reflect critiques the artifacts. Any failure is logged and ignored.
func (y *cycle) reflect(ctx context.Context) {
	cfg := y.c.cfg
	if !cfg.ReflectionEnabled || len(cfg.ReflectionChain) == 0 || y.c.deps.Router == nil {
		return
	}
	resp, pair, err := y.c.deps.Router.Route(ctx, reflectionRequest(y.entity, y.run.ArtifactRefs, y.lyrics), cfg.ReflectionChain)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		y.log.Warn("reflection failed, continuing without it", "error", err)
		return
	}
	text, adj := ParseReflection(resp.Text)
	if text != "" {
		y.run.ReflectionText = &text
	}
	if len(adj) > 0 {
		y.run.ParameterAdjustments = adj
	}
	y.run.ProviderUsage = append(y.run.ProviderUsage, model.ProviderUse{Step: "reflection", Provider: pair.Provider, Model: pair.Model})
}

func (y *cycle) preview(ctx context.Context) approval.Preview {
	p := approval.Preview{
		RunID:      y.run.ID,
		EntityID:   y.entity.ID,
		EntityName: y.entity.Name,
		Variant:    deref(y.run.ParameterSnapshot.Variant),
		Lyrics:     y.lyrics,
		Artifacts:  make([]approval.PreviewArtifact, 0, len(y.run.ArtifactRefs)),
	}
	if y.run.ReflectionText != nil {
		p.Reflection = *y.run.ReflectionText
	}
	for _, ref := range y.run.ArtifactRefs {
		if ref.Kind == model.ArtifactLyrics {
			continue
		}
		link, err := y.c.deps.Linker.Link(ctx, ref)
		if err != nil {
			y.log.Warn("artifact link failed, using raw uri", "uri", ref.URI, "error", err)
			link = ref.URI
		}
		p.Artifacts = append(p.Artifacts, approval.PreviewArtifact{Kind: ref.Kind, Link: link})
	}
	return p
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
