// Package approval asks a human to approve a run and reports their decision.
//
// RequestApproval is fire-and-forget: it records a pending decision and sends
// a notification carrying signed approve/reject links, then returns. The
// reviewer's click lands on the callback endpoint, which calls Record.
// PollDecision only reads. Timers and polling loops belong to the caller.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/atelier/internal/model"
)

var (
	// ErrUnknownHandle is returned for a handle no request ever produced.
	ErrUnknownHandle = errors.New("approval: unknown handle")

	// ErrAlreadyDecided is returned when a different decision was already recorded.
	ErrAlreadyDecided = errors.New("approval: already decided")
)

// Handle identifies one approval request.
type Handle string

// Gateway is the approval surface the run coordinator depends on.
type Gateway interface {
	RequestApproval(ctx context.Context, p Preview) (Handle, error)
	PollDecision(ctx context.Context, h Handle) (model.Decision, error)
}

// PreviewArtifact is one artifact as shown to the reviewer.
type PreviewArtifact struct {
	Kind string `json:"kind"`
	Link string `json:"link"`
}

// Preview is what the reviewer sees.
type Preview struct {
	RunID      uuid.UUID         `json:"run_id"`
	EntityID   uuid.UUID         `json:"entity_id"`
	EntityName string            `json:"entity_name"`
	Variant    string            `json:"variant,omitempty"`
	Artifacts  []PreviewArtifact `json:"artifacts"`
	Lyrics     string            `json:"lyrics,omitempty"`
	Reflection string            `json:"reflection,omitempty"`
}

// Message is a rendered notification.
type Message struct {
	Handle     Handle  `json:"handle"`
	Text       string  `json:"text"`
	ApproveURL string  `json:"approve_url,omitempty"`
	RejectURL  string  `json:"reject_url,omitempty"`
	Preview    Preview `json:"preview"`
}

// Notifier delivers a message to the reviewers' channel. It must not wait
// for a human response.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// DecisionStore persists decisions keyed by handle.
// Put follows first-wins semantics and returns ErrAlreadyDecided on conflict.
type DecisionStore interface {
	Open(ctx context.Context, h Handle, runID uuid.UUID) error
	Get(ctx context.Context, h Handle) (model.Decision, error)
	Put(ctx context.Context, h Handle, d model.Decision) error
}

// LinkSigner signs the token embedded in approve/reject links.
type LinkSigner interface {
	Sign(handle string, decision model.Decision) (string, time.Time, error)
}

// Service implements Gateway and the callback-side Record.
type Service struct {
	store    DecisionStore
	notifier Notifier
	signer   LinkSigner
	baseURL  string
	logger   *slog.Logger
}

// New creates a Service. signer and baseURL may be empty, in which case
// messages carry the handle but no links.
func New(store DecisionStore, notifier Notifier, signer LinkSigner, baseURL string, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		signer:   signer,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger.With("component", "approval"),
	}
}

// RequestApproval records a pending decision for p and sends the
// notification. A notification failure is returned to the caller.
func (s *Service) RequestApproval(ctx context.Context, p Preview) (Handle, error) {
	h := Handle(uuid.NewString())
	if err := s.store.Open(ctx, h, p.RunID); err != nil {
		return "", fmt.Errorf("approval: open decision: %w", err)
	}

	msg := Message{Handle: h, Preview: p}
	if s.signer != nil && s.baseURL != "" {
		var err error
		if msg.ApproveURL, err = s.link(h, model.DecisionApproved); err != nil {
			return "", err
		}
		if msg.RejectURL, err = s.link(h, model.DecisionRejected); err != nil {
			return "", err
		}
	}
	msg.Text = Render(msg)

	if err := s.notifier.Notify(ctx, msg); err != nil {
		return "", fmt.Errorf("approval: notify: %w", err)
	}
	s.logger.Info("approval requested", "handle", h, "run_id", p.RunID, "entity", p.EntityName)
	return h, nil
}

// PollDecision returns the current decision for h. Calling it any number of
// times has no effect on the decision.
func (s *Service) PollDecision(ctx context.Context, h Handle) (model.Decision, error) {
	d, err := s.store.Get(ctx, h)
	if err != nil {
		return "", fmt.Errorf("approval: poll %s: %w", h, err)
	}
	return d, nil
}

// Record stores a reviewer's decision. The first final decision wins;
// repeating it is a no-op.
func (s *Service) Record(ctx context.Context, h Handle, d model.Decision) error {
	if !d.Final() {
		return fmt.Errorf("approval: record: decision %q is not final", d)
	}
	if err := s.store.Put(ctx, h, d); err != nil {
		return fmt.Errorf("approval: record %s: %w", h, err)
	}
	s.logger.Info("decision recorded", "handle", h, "decision", d)
	return nil
}

func (s *Service) link(h Handle, d model.Decision) (string, error) {
	token, _, err := s.signer.Sign(string(h), d)
	if err != nil {
		return "", fmt.Errorf("approval: sign %s link: %w", d, err)
	}
	return s.baseURL + "/v1/approvals/" + url.PathEscape(string(h)) + "?token=" + url.QueryEscape(token), nil
}

// Render formats a message as plain text for chat channels.
func Render(msg Message) string {
	p := msg.Preview
	var b strings.Builder
	fmt.Fprintf(&b, "New release candidate from %s", p.EntityName)
	if p.Variant != "" {
		fmt.Fprintf(&b, " (variant %s)", p.Variant)
	}
	fmt.Fprintf(&b, "\nRun: %s\n", p.RunID)
	for _, a := range p.Artifacts {
		fmt.Fprintf(&b, "- %s: %s\n", a.Kind, a.Link)
	}
	if p.Lyrics != "" {
		fmt.Fprintf(&b, "\nLyrics:\n%s\n", p.Lyrics)
	}
	if p.Reflection != "" {
		fmt.Fprintf(&b, "\nSelf-critique:\n%s\n", p.Reflection)
	}
	if msg.ApproveURL != "" {
		fmt.Fprintf(&b, "\nApprove: %s\nReject: %s\n", msg.ApproveURL, msg.RejectURL)
	} else {
		fmt.Fprintf(&b, "\nHandle: %s\n", msg.Handle)
	}
	return b.String()
}
