package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint
// (OpenAI, OpenRouter, vLLM, LM Studio).
type OpenAI struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAI creates an adapter. An empty baseURL means api.openai.com.
func NewOpenAI(name, baseURL, apiKey string, timeout time.Duration) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAI{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(timeout),
	}
}

// WithHTTPClient replaces the transport, for tests.
func (o *OpenAI) WithHTTPClient(c *http.Client) *OpenAI {
	o.httpClient = c
	return o
}

// Name implements Gateway.
func (o *OpenAI) Name() string { return o.name }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model          string            `json:"model"`
	Messages       []openAIMessage   `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string  `json:"content"`
			Refusal *string `json:"refusal,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate implements Gateway.
func (o *OpenAI) Generate(ctx context.Context, model string, req Request) (Response, error) {
	body := openAIRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, openAIMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}

	headers := map[string]string{}
	if o.apiKey != "" {
		headers["Authorization"] = "Bearer " + o.apiKey
	}

	var out openAIResponse
	if err := postJSON(ctx, o.httpClient, o.baseURL+"/v1/chat/completions", headers, body, &out); err != nil {
		return Response{}, Classify(o.name, fmt.Errorf("openai: %w", err))
	}
	if len(out.Choices) == 0 {
		return Response{}, &PermanentError{Provider: o.name, Err: errors.New("openai: no choices in response")}
	}
	choice := out.Choices[0]
	if choice.FinishReason == "content_filter" || (choice.Message.Refusal != nil && *choice.Message.Refusal != "") {
		return Response{}, &PermanentError{Provider: o.name, Err: fmt.Errorf("openai: %w", ErrContentPolicy)}
	}
	return Response{
		Text:         choice.Message.Content,
		Model:        out.Model,
		FinishReason: choice.FinishReason,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}
