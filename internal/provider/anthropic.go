package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 1024
)

// Anthropic talks to the Messages API.
type Anthropic struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAnthropic creates an adapter. An empty baseURL means api.anthropic.com.
func NewAnthropic(name, baseURL, apiKey string, timeout time.Duration) *Anthropic {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Anthropic{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(timeout),
	}
}

// WithHTTPClient replaces the transport, for tests.
func (a *Anthropic) WithHTTPClient(c *http.Client) *Anthropic {
	a.httpClient = c
	return a
}

// Name implements Gateway.
func (a *Anthropic) Name() string { return a.name }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate implements Gateway.
func (a *Anthropic) Generate(ctx context.Context, model string, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	system := req.System
	if req.JSON {
		system = strings.TrimSpace(system + "\nRespond with a single JSON object and nothing else.")
	}
	body := anthropicRequest{
		Model:       model,
		System:      system,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var out anthropicResponse
	if err := postJSON(ctx, a.httpClient, a.baseURL+"/v1/messages", headers, body, &out); err != nil {
		return Response{}, Classify(a.name, fmt.Errorf("anthropic: %w", err))
	}
	if out.StopReason == "refusal" {
		return Response{}, &PermanentError{Provider: a.name, Err: fmt.Errorf("anthropic: %w", ErrContentPolicy)}
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return Response{}, &PermanentError{Provider: a.name, Err: errors.New("anthropic: empty content")}
	}
	return Response{
		Text:         sb.String(),
		Model:        out.Model,
		FinishReason: out.StopReason,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}
