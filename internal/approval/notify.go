package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookNotifier posts messages to a chat webhook. The body carries both
// "text" (Slack) and "content" (Discord) plus the structured preview.
type WebhookNotifier struct {
	url         string
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// NewWebhookNotifier creates a notifier for url.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		logger:      logger.With("component", "webhook_notifier"),
	}
}

// WithHTTPClient replaces the HTTP client (tests).
func (n *WebhookNotifier) WithHTTPClient(c *http.Client) *WebhookNotifier {
	n.client = c
	return n
}

// WithRetry sets the attempt bound and the initial backoff.
func (n *WebhookNotifier) WithRetry(maxAttempts int, baseDelay time.Duration) *WebhookNotifier {
	n.maxAttempts = max(1, maxAttempts)
	n.baseDelay = baseDelay
	return n
}

type webhookPayload struct {
	Text    string  `json:"text"`
	Content string  `json:"content"`
	Message Message `json:"atelier"`
}

// Notify posts msg, retrying 429 and 5xx responses and network errors.
func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{Text: msg.Text, Content: msg.Text, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		retry, err := n.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == n.maxAttempts {
			break
		}
		delay := n.baseDelay << (attempt - 1)
		delay += time.Duration(rand.Int64N(int64(delay)/5 + 1))
		n.logger.Warn("webhook delivery failed, retrying",
			"attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("webhook delivery: %w", lastErr)
}

// post sends one request and reports whether a failure is worth retrying.
func (n *WebhookNotifier) post(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, err
}

// LogNotifier writes messages to the log. Useful in development, where the
// reviewer records decisions through the API or MCP.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "log_notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info("approval requested",
		"handle", msg.Handle,
		"run_id", msg.Preview.RunID,
		"entity", msg.Preview.EntityName,
		"approve_url", msg.ApproveURL,
		"reject_url", msg.RejectURL,
	)
	return nil
}
