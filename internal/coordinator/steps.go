package coordinator

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/atelier/internal/approval"
	"github.com/ashita-ai/atelier/internal/model"
)

// snapshot copies the entity's parameters and, when experiments are on,
// overlays a uniformly chosen variant.
func (c *Coordinator) snapshot(entity model.Entity) model.ParameterSnapshot {
	params := model.CloneMap(entity.AdaptiveParameters)
	if params == nil {
		params = map[string]any{}
	}
	snap := model.ParameterSnapshot{
		Parameters:        params,
		ExperimentEnabled: c.cfg.ExperimentsEnabled,
		CapturedAt:        c.now(),
	}
	if !c.cfg.ExperimentsEnabled {
		return snap
	}
	v := c.cfg.Variants[c.rng.IntN(2)]
	maps.Copy(snap.Parameters, model.CloneMap(v.Parameters))
	name := v.Name
	snap.Variant = &name
	return snap
}

// analyze runs the analyzer over every audio artifact with bounded
// concurrency. Features are stored on each artifact's metadata and the
// first successful result is returned for prompt conditioning.
func (c *Coordinator) analyze(ctx context.Context, refs []model.ArtifactRef, log *slog.Logger) Features {
	if c.deps.Analyzer == nil {
		return nil
	}
	var (
		mu      sync.Mutex
		results = make(map[int]Features)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.AnalysisConcurrency)
	for i, ref := range refs {
		if ref.Kind != model.ArtifactAudio {
			continue
		}
		g.Go(func() error {
			f, err := c.deps.Analyzer.Analyze(gctx, ref)
			if err != nil {
				log.Warn("analysis failed, skipping artifact", "uri", ref.URI, "error", err)
				return nil
			}
			mu.Lock()
			results[i] = f
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var first Features
	for i := range refs {
		f, ok := results[i]
		if !ok {
			continue
		}
		if refs[i].Metadata == nil {
			refs[i].Metadata = map[string]any{}
		}
		refs[i].Metadata["features"] = map[string]any(f)
		if first == nil {
			first = f
		}
	}
	return first
}

// awaitDecision polls the approval gateway until a final decision arrives or
// the deadline passes. The first poll is immediate. It never reports
// timed_out before the deadline and reports timed_out on cancellation.
func (c *Coordinator) awaitDecision(ctx context.Context, h approval.Handle, log *slog.Logger) model.RunState {
	deadline := c.now().Add(c.cfg.ApprovalTimeout)
	for {
		d, err := c.deps.Approvals.PollDecision(ctx, h)
		switch {
		case err != nil:
			log.Warn("approval poll failed", "handle", h, "error", err)
		default:
			if state, ok := d.RunState(); ok {
				return state
			}
		}

		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			log.Info("approval deadline passed", "handle", h, "timeout", c.cfg.ApprovalTimeout)
			return model.RunStateTimedOut
		}
		select {
		case <-ctx.Done():
			log.Warn("approval wait cancelled", "handle", h, "error", ctx.Err())
			return model.RunStateTimedOut
		case <-c.clock.After(min(c.cfg.PollInterval, remaining)):
		}
	}
}
