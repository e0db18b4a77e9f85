package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/atelier/internal/config"
	"github.com/ashita-ai/atelier/internal/provider"
)

const providersYAML = `
providers:
  - name: anthropic
    kind: anthropic
    api_key_env: TEST_ANTHROPIC_KEY
  - name: openrouter
    kind: openai
    base_url: https://openrouter.ai/api
    api_key_env: TEST_OPENROUTER_KEY
    timeout: 15s
chains:
  lyrics:
    - {provider: anthropic, model: claude-sonnet-4-5}
    - {provider: openrouter, model: meta-llama/llama-3.1-70b-instruct}
  reflection:
    - {provider: openrouter, model: meta-llama/llama-3.1-70b-instruct}
  persona:
    - {provider: anthropic, model: claude-sonnet-4-5}
experiments:
  variants:
    a: {name: warm, parameters: {temperature: 0.7}}
    b: {name: bold, parameters: {temperature: 1.0, energy: high}}
`

func TestParseProviders(t *testing.T) {
	p, err := config.ParseProviders([]byte(providersYAML))
	require.NoError(t, err)

	require.Len(t, p.Providers, 2)
	assert.Equal(t, provider.KindOpenAI, p.Providers[1].Kind)
	assert.Equal(t, 15*time.Second, p.Providers[1].Timeout)
	assert.Equal(t, []provider.Pair{
		{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		{Provider: "openrouter", Model: "meta-llama/llama-3.1-70b-instruct"},
	}, p.Chains.Lyrics)
	assert.Equal(t, "bold", p.Experiments.Variants.B.Name)
	assert.Equal(t, "high", p.Experiments.Variants.B.Parameters["energy"])

	t.Setenv("TEST_ANTHROPIC_KEY", "sk-ant")
	specs := p.Specs(time.Minute)
	require.Len(t, specs, 2)
	assert.Equal(t, "sk-ant", specs[0].APIKey)
	assert.Equal(t, time.Minute, specs[0].Timeout)
	assert.Equal(t, 15*time.Second, specs[1].Timeout)
	assert.Equal(t, "https://openrouter.ai/api", specs[1].BaseURL)
}

func TestParseProvidersErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "empty", yaml: "  \n", want: "empty"},
		{name: "unknown field", yaml: "providerz: []", want: "decode providers"},
		{name: "unknown kind", yaml: "providers: [{name: x, kind: cohere}]", want: "unknown kind"},
		{name: "duplicate", yaml: "providers: [{name: x, kind: ollama}, {name: x, kind: ollama}]", want: "duplicate"},
		{name: "chain references unknown provider", yaml: "providers: [{name: x, kind: ollama}]\nchains: {lyrics: [{provider: y, model: m}]}", want: "unknown provider"},
		{name: "chain without model", yaml: "providers: [{name: x, kind: ollama}]\nchains: {persona: [{provider: x}]}", want: "model is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseProviders([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaultProviders(t *testing.T) {
	cfg := config.Config{
		AnthropicAPIKey: "a",
		AnthropicModel:  "claude",
		OllamaURL:       "http://localhost:11434",
		OllamaModel:     "llama3.1",
	}
	p := config.DefaultProviders(cfg)
	require.NoError(t, p.Validate())
	assert.Equal(t, []provider.Pair{
		{Provider: "anthropic", Model: "claude"},
		{Provider: "ollama", Model: "llama3.1"},
	}, p.Chains.Reflection)
	assert.Equal(t, "a", p.Experiments.Variants.A.Name)
	assert.Equal(t, "b", p.Experiments.Variants.B.Name)

	empty := config.DefaultProviders(config.Config{})
	assert.Empty(t, empty.Chains.Lyrics)
}

func TestLoadProvidersFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(providersYAML), 0o600))

	p, err := config.LoadProviders(config.Config{ProvidersFile: path})
	require.NoError(t, err)
	assert.Len(t, p.Chains.Persona, 1)

	_, err = config.LoadProviders(config.Config{ProvidersFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}
