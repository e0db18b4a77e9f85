package atelier

import (
	"github.com/google/uuid"
)

// Artifact is something a generator produced, referenced by URI.
// s3://bucket/key URIs are presigned for reviewers when object storage is configured.
type Artifact struct {
	Kind     string
	URI      string
	Metadata map[string]any
}

// Well-known artifact kinds. Generators may return others.
const (
	ArtifactAudio  = "audio"
	ArtifactImage  = "image"
	ArtifactVideo  = "video"
	ArtifactLyrics = "lyrics"
)

// Artist is what a Generator sees of the entity it is producing for.
type Artist struct {
	ID      uuid.UUID
	Name    string
	Profile map[string]any
	// Prior holds artifacts produced earlier in the same cycle.
	Prior []Artifact
}

// Parameters is the parameter set a run executes with.
type Parameters struct {
	Values map[string]any
	// Variant names the experiment arm, or "" when experiments are off.
	Variant string
}

// RunEvent reports a run that reached a terminal state.
type RunEvent struct {
	RunID    uuid.UUID
	EntityID uuid.UUID
	// State is one of approved, rejected, timed_out or failed.
	State string
}
