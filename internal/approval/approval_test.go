package approval_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/atelier/internal/approval"
	"github.com/ashita-ai/atelier/internal/auth"
	"github.com/ashita-ai/atelier/internal/model"
	"github.com/ashita-ai/atelier/internal/storage/memstore"
)

var discard = slog.New(slog.DiscardHandler)

type captureNotifier struct {
	mu   sync.Mutex
	msgs []approval.Message
	err  error
}

func (c *captureNotifier) Notify(_ context.Context, msg approval.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

func preview() approval.Preview {
	return approval.Preview{
		RunID:      uuid.New(),
		EntityID:   uuid.New(),
		EntityName: "Nova",
		Variant:    "a",
		Artifacts:  []approval.PreviewArtifact{{Kind: "audio", Link: "https://cdn.example/a.mp3"}},
		Lyrics:     "la la",
	}
}

func TestRequestApprovalSendsSignedLinks(t *testing.T) {
	signer, err := auth.NewTokenSigner("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)
	n := &captureNotifier{}
	svc := approval.New(approval.NewMemoryStore(), n, signer, "https://atelier.example/", discard)

	h, err := svc.RequestApproval(context.Background(), preview())
	require.NoError(t, err)
	require.NotEmpty(t, h)
	require.Len(t, n.msgs, 1)

	msg := n.msgs[0]
	assert.Equal(t, h, msg.Handle)
	assert.Contains(t, msg.Text, "Nova")
	assert.Contains(t, msg.Text, "variant a")
	assert.Contains(t, msg.Text, msg.ApproveURL)

	u, err := url.Parse(msg.ApproveURL)
	require.NoError(t, err)
	assert.Equal(t, "/v1/approvals/"+string(h), u.Path)
	claims, err := signer.Verify(u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApproved, claims.Decision)
	assert.Equal(t, string(h), claims.Handle)

	u, err = url.Parse(msg.RejectURL)
	require.NoError(t, err)
	claims, err = signer.Verify(u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionRejected, claims.Decision)

	d, err := svc.PollDecision(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionPending, d)
}

func TestRequestApprovalWithoutSigner(t *testing.T) {
	n := &captureNotifier{}
	svc := approval.New(approval.NewMemoryStore(), n, nil, "", discard)
	h, err := svc.RequestApproval(context.Background(), preview())
	require.NoError(t, err)
	assert.Empty(t, n.msgs[0].ApproveURL)
	assert.Contains(t, n.msgs[0].Text, string(h))
}

func TestRequestApprovalNotifyFailure(t *testing.T) {
	boom := errors.New("channel down")
	svc := approval.New(approval.NewMemoryStore(), &captureNotifier{err: boom}, nil, "", discard)
	_, err := svc.RequestApproval(context.Background(), preview())
	assert.ErrorIs(t, err, boom)
}

func TestPollDecisionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := approval.New(approval.NewMemoryStore(), &captureNotifier{}, nil, "", discard)
	h, err := svc.RequestApproval(ctx, preview())
	require.NoError(t, err)

	for range 5 {
		d, err := svc.PollDecision(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, model.DecisionPending, d)
	}

	require.NoError(t, svc.Record(ctx, h, model.DecisionApproved))
	for range 5 {
		d, err := svc.PollDecision(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, model.DecisionApproved, d)
	}

	_, err = svc.PollDecision(ctx, "nope")
	assert.ErrorIs(t, err, approval.ErrUnknownHandle)
}

func TestRecordFirstDecisionWins(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	e, err := mem.CreateEntity(ctx, model.NewEntity("Decider", nil, time.Now().UTC()))
	require.NoError(t, err)
	run := model.NewRun(e.ID, model.ParameterSnapshot{}, time.Now().UTC())
	require.NoError(t, mem.CreateRun(ctx, run))

	stores := map[string]approval.DecisionStore{
		"memory": approval.NewMemoryStore(),
		"repo":   approval.NewRepoStore(mem),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			svc := approval.New(store, &captureNotifier{}, nil, "", discard)
			p := preview()
			p.RunID = run.ID
			h, err := svc.RequestApproval(ctx, p)
			require.NoError(t, err)

			assert.Error(t, svc.Record(ctx, h, model.DecisionPending))
			require.NoError(t, svc.Record(ctx, h, model.DecisionRejected))
			require.NoError(t, svc.Record(ctx, h, model.DecisionRejected))
			assert.ErrorIs(t, svc.Record(ctx, h, model.DecisionApproved), approval.ErrAlreadyDecided)
			assert.ErrorIs(t, svc.Record(ctx, "missing", model.DecisionApproved), approval.ErrUnknownHandle)

			d, err := svc.PollDecision(ctx, h)
			require.NoError(t, err)
			assert.Equal(t, model.DecisionRejected, d)
		})
	}
}

func TestWebhookNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := approval.NewWebhookNotifier(srv.URL, discard).WithRetry(3, time.Millisecond)
	err := n.Notify(context.Background(), approval.Message{Handle: "h1", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "hello", body["text"])
	assert.Equal(t, "hello", body["content"])
}

func TestWebhookNotifierDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := approval.NewWebhookNotifier(srv.URL, discard).WithRetry(5, time.Millisecond)
	err := n.Notify(context.Background(), approval.Message{Text: "x"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "400"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, approval.NewLogNotifier(discard).Notify(context.Background(), approval.Message{Handle: "h"}))
}
