// Package provider sends single text-generation requests to named language-model
// backends and normalizes their results.
//
// Each backend variant (OpenAI-compatible, Anthropic, Ollama) lives in its own
// adapter. Auth schemes, payload shapes and finish-reason quirks stay inside the
// adapter; callers only see Request, Response and the error classes in errors.go.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Request is a provider-neutral text-generation request.
type Request struct {
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   int
	// JSON asks the backend for a single JSON object when it supports it.
	JSON bool
}

// Response is a provider-neutral text-generation result.
type Response struct {
	Text         string
	Model        string
	FinishReason string
	InputTokens  int
	OutputTokens int
}

// Gateway issues one request against one model on one backend.
// Implementations must be safe for concurrent use and must not retry internally.
type Gateway interface {
	Name() string
	Generate(ctx context.Context, model string, req Request) (Response, error)
}

// Pair names a backend and a model on it.
type Pair struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

func (p Pair) String() string { return p.Provider + "/" + p.Model }

// Kind selects an adapter variant.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindOllama    Kind = "ollama"
)

// Spec configures one named backend.
type Spec struct {
	Name    string
	Kind    Kind
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New builds the adapter for spec.Kind.
func New(spec Spec) (Gateway, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = string(spec.Kind)
	}
	switch spec.Kind {
	case KindOpenAI:
		if spec.APIKey == "" && spec.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: api key or base url required", name)
		}
		return NewOpenAI(name, spec.BaseURL, spec.APIKey, spec.Timeout), nil
	case KindAnthropic:
		if spec.APIKey == "" {
			return nil, fmt.Errorf("provider %s: api key required", name)
		}
		return NewAnthropic(name, spec.BaseURL, spec.APIKey, spec.Timeout), nil
	case KindOllama:
		return NewOllama(name, spec.BaseURL, spec.Timeout), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", name, spec.Kind)
	}
}

// Registry holds the configured gateways by name.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRegistry returns a registry pre-populated with gws.
func NewRegistry(gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gws))}
	for _, g := range gws {
		r.Register(g)
	}
	return r
}

// Register adds or replaces a gateway under its Name.
func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Name()] = g
}

// Get returns the gateway registered under name.
func (r *Registry) Get(name string) (Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[name]
	return g, ok
}

// Names returns the registered gateway names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
