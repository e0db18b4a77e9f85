package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/provider"
)

// TextRouter routes a text request down a ranked provider chain.
type TextRouter interface {
	Route(ctx context.Context, req provider.Request, ranked []provider.Pair) (provider.Response, provider.Pair, error)
}

const personaSystem = `You invent new virtual recording artists.
Reply with a single JSON object with the keys "name" (string), "genre" (string),
"persona" (a short biography) and "influences" (array of strings). No other text.`

// Persona is the JSON shape a PersonaFactory expects back from the router.
type Persona struct {
	Name       string   `json:"name"`
	Genre      string   `json:"genre"`
	Persona    string   `json:"persona"`
	Influences []string `json:"influences"`
}

// PersonaFactory creates candidates by asking a language model for a persona.
type PersonaFactory struct {
	router TextRouter
	chain  []provider.Pair
	// Hint is appended to the prompt, e.g. a genre direction for the label.
	Hint string
}

// NewPersonaFactory returns a factory that routes persona requests over chain.
func NewPersonaFactory(router TextRouter, chain []provider.Pair) *PersonaFactory {
	return &PersonaFactory{router: router, chain: chain}
}

// NewCandidate implements CandidateFactory.
func (f *PersonaFactory) NewCandidate(ctx context.Context) (model.Entity, error) {
	prompt := "Invent one new artist who does not sound like any existing act."
	if f.Hint != "" {
		prompt += "\n" + f.Hint
	}
	temp := 1.0
	resp, pair, err := f.router.Route(ctx, provider.Request{
		System:      personaSystem,
		Prompt:      prompt,
		Temperature: &temp,
		MaxTokens:   500,
		JSON:        true,
	}, f.chain)
	if err != nil {
		return model.Entity{}, fmt.Errorf("persona: %w", err)
	}

	p, err := ParsePersona(resp.Text)
	if err != nil {
		return model.Entity{}, fmt.Errorf("persona from %s: %w", pair, err)
	}
	profile := map[string]any{
		"genre":       p.Genre,
		"persona":     p.Persona,
		"influences":  toAny(p.Influences),
		"created_via": pair.String(),
	}
	return model.Entity{Name: p.Name, Profile: profile}, nil
}

// ParsePersona decodes a persona reply. Code fences and text around the
// JSON object are tolerated; a missing name is an error.
func ParsePersona(text string) (Persona, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return Persona{}, fmt.Errorf("no JSON object in reply")
	}
	var p Persona
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return Persona{}, fmt.Errorf("decode persona: %w", err)
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Persona{}, fmt.Errorf("persona has no name")
	}
	return p, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
