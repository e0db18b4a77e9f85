package atelier

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/atelier/internal/coordinator"
	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/storage"
)

// generatorAdapter wraps a public Generator to satisfy coordinator.Generator.
type generatorAdapter struct {
	g Generator
}

func (a generatorAdapter) Name() string { return a.g.Name() }

func (a generatorAdapter) Generate(ctx context.Context, p coordinator.EntityProfile, snap model.ParameterSnapshot) ([]model.ArtifactRef, error) {
	params := Parameters{Values: snap.Parameters}
	if snap.Variant != nil {
		params.Variant = *snap.Variant
	}
	out, err := a.g.Generate(ctx, Artist{
		ID:      p.EntityID,
		Name:    p.Name,
		Profile: p.Profile,
		Prior:   toPublicArtifacts(p.Prior),
	}, params)
	if err != nil {
		return nil, err
	}
	return toInternalArtifacts(out), nil
}

// analyzerAdapter wraps a public Analyzer to satisfy coordinator.Analyzer.
type analyzerAdapter struct {
	a Analyzer
}

func (a analyzerAdapter) Analyze(ctx context.Context, ref model.ArtifactRef) (coordinator.Features, error) {
	f, err := a.a.Analyze(ctx, Artifact(ref))
	if err != nil {
		return nil, err
	}
	return coordinator.Features(f), nil
}

func toPublicArtifacts(refs []model.ArtifactRef) []Artifact {
	if refs == nil {
		return nil
	}
	out := make([]Artifact, len(refs))
	for i, r := range refs {
		out[i] = Artifact(r)
	}
	return out
}

func toInternalArtifacts(arts []Artifact) []model.ArtifactRef {
	if arts == nil {
		return nil
	}
	out := make([]model.ArtifactRef, len(arts))
	for i, a := range arts {
		out[i] = model.ArtifactRef(a)
	}
	return out
}

func toPublicRunEvent(ev storage.RunEvent) (RunEvent, error) {
	runID, err := uuid.Parse(ev.RunID)
	if err != nil {
		return RunEvent{}, fmt.Errorf("run_id: %w", err)
	}
	entityID, err := uuid.Parse(ev.EntityID)
	if err != nil {
		return RunEvent{}, fmt.Errorf("entity_id: %w", err)
	}
	return RunEvent{RunID: runID, EntityID: entityID, State: string(ev.State)}, nil
}
