package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Ollama talks to a local Ollama server's chat API.
type Ollama struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// NewOllama creates an adapter. An empty baseURL means localhost:11434.
func NewOllama(name, baseURL string, timeout time.Duration) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newHTTPClient(timeout),
	}
}

// WithHTTPClient replaces the transport, for tests.
func (o *Ollama) WithHTTPClient(c *http.Client) *Ollama {
	o.httpClient = c
	return o
}

// Name implements Gateway.
func (o *Ollama) Name() string { return o.name }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Generate implements Gateway.
func (o *Ollama) Generate(ctx context.Context, model string, req Request) (Response, error) {
	body := ollamaRequest{Model: model, Stream: false}
	if req.System != "" {
		body.Messages = append(body.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, ollamaMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		body.Format = "json"
	}
	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		body.Options = opts
	}

	var out ollamaResponse
	if err := postJSON(ctx, o.httpClient, o.baseURL+"/api/chat", nil, body, &out); err != nil {
		return Response{}, Classify(o.name, fmt.Errorf("ollama: %w", err))
	}
	return Response{
		Text:         out.Message.Content,
		Model:        out.Model,
		FinishReason: out.DoneReason,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
	}, nil
}
