package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/atelier/internal/provider"
)

// ProviderEntry declares one named backend in the providers file.
type ProviderEntry struct {
	Name      string        `yaml:"name"`
	Kind      provider.Kind `yaml:"kind"`
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Chains are the ranked provider/model lists for each text step.
type Chains struct {
	Lyrics     []provider.Pair `yaml:"lyrics"`
	Reflection []provider.Pair `yaml:"reflection"`
	Persona    []provider.Pair `yaml:"persona"`
}

// Variant is one arm of the parameter experiment.
type Variant struct {
	Name       string         `yaml:"name"`
	Parameters map[string]any `yaml:"parameters"`
}

// Experiments holds the two experiment arms.
type Experiments struct {
	Variants struct {
		A Variant `yaml:"a"`
		B Variant `yaml:"b"`
	} `yaml:"variants"`
}

// Providers is the decoded providers file.
type Providers struct {
	Providers   []ProviderEntry `yaml:"providers"`
	Chains      Chains          `yaml:"chains"`
	Experiments Experiments     `yaml:"experiments"`
}

// LoadProviders returns the provider setup for cfg: the YAML file when
// ATELIER_PROVIDERS_FILE is set, otherwise one derived from API keys.
func LoadProviders(cfg Config) (Providers, error) {
	if cfg.ProvidersFile == "" {
		return DefaultProviders(cfg), nil
	}
	data, err := os.ReadFile(cfg.ProvidersFile)
	if err != nil {
		return Providers{}, fmt.Errorf("config: read %s: %w", cfg.ProvidersFile, err)
	}
	p, err := ParseProviders(data)
	if err != nil {
		return Providers{}, fmt.Errorf("config: %s: %w", cfg.ProvidersFile, err)
	}
	return p, nil
}

// ParseProviders decodes and validates a providers file. Missing experiment
// variants get defaults.
func ParseProviders(data []byte) (Providers, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Providers{}, fmt.Errorf("providers file is empty")
	}
	var p Providers
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Providers{}, fmt.Errorf("decode providers: %w", err)
	}
	p.fillVariants()
	if err := p.Validate(); err != nil {
		return Providers{}, err
	}
	return p, nil
}

// DefaultProviders builds a setup from whichever API keys are present,
// ranked anthropic, then openai, then ollama. Every step uses the same chain.
func DefaultProviders(cfg Config) Providers {
	var (
		p     Providers
		chain []provider.Pair
	)
	if cfg.AnthropicAPIKey != "" {
		p.Providers = append(p.Providers, ProviderEntry{Name: "anthropic", Kind: provider.KindAnthropic, APIKeyEnv: "ANTHROPIC_API_KEY"})
		chain = append(chain, provider.Pair{Provider: "anthropic", Model: cfg.AnthropicModel})
	}
	if cfg.OpenAIAPIKey != "" {
		p.Providers = append(p.Providers, ProviderEntry{Name: "openai", Kind: provider.KindOpenAI, APIKeyEnv: "OPENAI_API_KEY"})
		chain = append(chain, provider.Pair{Provider: "openai", Model: cfg.OpenAIModel})
	}
	if cfg.OllamaURL != "" {
		p.Providers = append(p.Providers, ProviderEntry{Name: "ollama", Kind: provider.KindOllama, BaseURL: cfg.OllamaURL})
		chain = append(chain, provider.Pair{Provider: "ollama", Model: cfg.OllamaModel})
	}
	p.Chains = Chains{Lyrics: chain, Reflection: chain, Persona: chain}
	p.fillVariants()
	return p
}

func (p *Providers) fillVariants() {
	v := &p.Experiments.Variants
	if v.A.Name == "" {
		v.A = Variant{Name: "a", Parameters: map[string]any{"temperature": 0.7}}
	}
	if v.B.Name == "" {
		v.B = Variant{Name: "b", Parameters: map[string]any{"temperature": 1.0}}
	}
}

// Validate checks names are unique, kinds are known and every chain entry
// names a declared provider.
func (p Providers) Validate() error {
	known := make(map[string]bool, len(p.Providers))
	for i, e := range p.Providers {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if known[name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, name)
		}
		switch e.Kind {
		case provider.KindOpenAI, provider.KindAnthropic, provider.KindOllama:
		default:
			return fmt.Errorf("providers[%d] %s: unknown kind %q", i, name, e.Kind)
		}
		known[name] = true
	}
	for step, chain := range map[string][]provider.Pair{
		"lyrics":     p.Chains.Lyrics,
		"reflection": p.Chains.Reflection,
		"persona":    p.Chains.Persona,
	} {
		for i, pair := range chain {
			if !known[pair.Provider] {
				return fmt.Errorf("chains.%s[%d]: unknown provider %q", step, i, pair.Provider)
			}
			if pair.Model == "" {
				return fmt.Errorf("chains.%s[%d]: model is required", step, i)
			}
		}
	}
	if p.Experiments.Variants.A.Name == p.Experiments.Variants.B.Name {
		return fmt.Errorf("experiments: variants need distinct names")
	}
	return nil
}

// Specs resolves each entry's API key from the environment.
func (p Providers) Specs(defaultTimeout time.Duration) []provider.Spec {
	specs := make([]provider.Spec, 0, len(p.Providers))
	for _, e := range p.Providers {
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		var key string
		if e.APIKeyEnv != "" {
			key = os.Getenv(e.APIKeyEnv)
		}
		specs = append(specs, provider.Spec{
			Name:    e.Name,
			Kind:    e.Kind,
			BaseURL: e.BaseURL,
			APIKey:  key,
			Timeout: timeout,
		})
	}
	return specs
}
