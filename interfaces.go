package atelier

import (
	"context"
)

// Generator produces artifacts for one run. Generators run in registration
// order; each sees what the earlier ones produced in Artist.Prior. A
// Generator is called at most once per run and an error fails the run.
type Generator interface {
	Name() string
	Generate(ctx context.Context, artist Artist, params Parameters) ([]Artifact, error)
}

// Analyzer extracts features (e.g. "tempo_bpm", "duration_seconds") from an
// audio artifact. Lyrics are only written when analysis yields features.
type Analyzer interface {
	Analyze(ctx context.Context, artifact Artifact) (map[string]any, error)
}

// RunHook receives async notifications when a run finishes.
// Hook methods run in goroutines; failures are logged and never affect the run.
type RunHook interface {
	OnRunFinished(ctx context.Context, event RunEvent) error
}
