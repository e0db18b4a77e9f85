package coordinator

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/provider"
)

const lyricsSystem = `You write song lyrics for a virtual recording artist.
Match the artist's voice and genre. Fit the lyrics to the given tempo and duration.
Return only the lyrics, with [Verse], [Chorus] and [Bridge] section markers.`

const reflectionSystem = `You are the artist reviewing your own new release before it goes to your label.
Compare the release with your profile. Reply with a line starting "CRITIQUE:" followed by
a short honest critique. Then, if parameters should change for the next release, add one
line per change in the form "ADJUST key=value". Values may be JSON (numbers, strings, booleans).`

func lyricsRequest(entity model.Entity, f Features, snap model.ParameterSnapshot) provider.Request {
	var b strings.Builder
	fmt.Fprintf(&b, "Artist: %s\n", entity.Name)
	writeJSON(&b, "Profile", entity.Profile)
	if v, ok := f["tempo_bpm"]; ok {
		fmt.Fprintf(&b, "Tempo: %v BPM\n", v)
	}
	if v, ok := f["duration_seconds"]; ok {
		fmt.Fprintf(&b, "Duration: %v seconds\n", v)
	}
	if snap.Variant != nil {
		fmt.Fprintf(&b, "Style variant: %s\n", *snap.Variant)
	}
	writeJSON(&b, "Parameters", snap.Parameters)
	b.WriteString("\nWrite the lyrics.")

	temp := 0.9
	if t, ok := snap.Parameters["temperature"].(float64); ok {
		temp = t
	}
	return provider.Request{System: lyricsSystem, Prompt: b.String(), Temperature: &temp, MaxTokens: 1200}
}

func reflectionRequest(entity model.Entity, refs []model.ArtifactRef, lyrics string) provider.Request {
	var b strings.Builder
	fmt.Fprintf(&b, "Artist: %s\n", entity.Name)
	writeJSON(&b, "Profile", entity.Profile)
	writeJSON(&b, "Current parameters", entity.AdaptiveParameters)
	b.WriteString("Release artifacts:\n")
	for _, r := range refs {
		if r.Kind == model.ArtifactLyrics {
			continue
		}
		fmt.Fprintf(&b, "- %s %s", r.Kind, r.URI)
		if f, ok := r.Metadata["features"]; ok {
			raw, _ := json.Marshal(f)
			fmt.Fprintf(&b, " features=%s", raw)
		}
		b.WriteByte('\n')
	}
	if lyrics != "" {
		fmt.Fprintf(&b, "Lyrics:\n%s\n", lyrics)
	}
	temp := 0.4
	return provider.Request{System: reflectionSystem, Prompt: b.String(), Temperature: &temp, MaxTokens: 600}
}

func writeJSON(b *strings.Builder, label string, v map[string]any) {
	if len(v) == 0 {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, raw)
}

// lyricsArtifact stores lyrics inline as a data URI.
func lyricsArtifact(text string, pair provider.Pair) model.ArtifactRef {
	return model.ArtifactRef{
		Kind: model.ArtifactLyrics,
		URI:  "data:text/plain;charset=utf-8," + url.PathEscape(text),
		Metadata: map[string]any{
			"provider": pair.Provider,
			"model":    pair.Model,
		},
	}
}

// ParseReflection splits a reflection reply into critique text and
// parameter adjustments. Lines of the form "ADJUST key=value" become
// adjustments; a JSON value is decoded, anything else is kept as a string.
// The "CRITIQUE:" prefix is dropped. A reply with no markers is all critique.
func ParseReflection(reply string) (string, map[string]any) {
	var (
		critique []string
		adj      map[string]any
	)
	for line := range strings.Lines(reply) {
		trimmed := strings.TrimSpace(line)
		if rest, ok := cutPrefixFold(trimmed, "ADJUST "); ok {
			key, value, found := strings.Cut(strings.TrimSpace(rest), "=")
			key = strings.TrimSpace(key)
			if !found || key == "" {
				continue
			}
			if adj == nil {
				adj = map[string]any{}
			}
			adj[key] = parseValue(strings.TrimSpace(value))
			continue
		}
		if rest, ok := cutPrefixFold(trimmed, "CRITIQUE:"); ok {
			trimmed = strings.TrimSpace(rest)
		}
		critique = append(critique, trimmed)
	}
	return strings.TrimSpace(strings.Join(critique, "\n")), adj
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func parseValue(v string) any {
	if v == "" {
		return ""
	}
	var out any
	if err := json.Unmarshal([]byte(v), &out); err == nil {
		return out
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}
