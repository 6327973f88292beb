package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/assist-relay/internal/errors"
	"github.com/openclaw/assist-relay/internal/model"
)

type stubSessions struct {
	sessions map[string]*model.Session
}

func (s *stubSessions) GetSession(_ context.Context, id string) (*model.Session, error) {
	return s.sessions[id], nil
}

type notification struct {
	sessionID string
	eventType string
	payload   any
}

type recordingNotifier struct {
	mu       sync.Mutex
	events   []notification
	requests chan ConnectionRequest
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{requests: make(chan ConnectionRequest, 8)}
}

func (n *recordingNotifier) Notify(_ context.Context, sessionID, eventType string, payload any) {
	n.mu.Lock()
	n.events = append(n.events, notification{sessionID, eventType, payload})
	n.mu.Unlock()
	if req, ok := payload.(ConnectionRequest); ok {
		n.requests <- req
	}
}

func (n *recordingNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.eventType == eventType {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) awaitRequest(t *testing.T) ConnectionRequest {
	t.Helper()
	select {
	case req := <-n.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("connection-request was not published")
		return ConnectionRequest{}
	}
}

func newTestGate(timeout time.Duration, sessions ...*model.Session) (*Gate, *recordingNotifier) {
	store := &stubSessions{sessions: make(map[string]*model.Session)}
	for _, s := range sessions {
		store.sessions[s.ID] = s
	}
	n := newRecordingNotifier()
	return NewGate(store, n, timeout), n
}

func attended(id string) *model.Session {
	return &model.Session{ID: id, ExpiresAt: time.Now().Add(time.Hour)}
}

type outcome struct {
	result Result
	err    error
}

func requestAsync(g *Gate, ctx context.Context, sessionID string) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		r, err := g.RequestApproval(ctx, sessionID, model.RequesterInfo{TechnicianID: "tech-1"})
		ch <- outcome{r, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("approval did not resolve")
		return outcome{}
	}
}

func TestGate_AutoApprove(t *testing.T) {
	s := attended("ABC-234-XYZ")
	s.AllowUnattended = true
	g, n := newTestGate(time.Second, s)

	r, err := g.RequestApproval(context.Background(), s.ID, model.RequesterInfo{})
	require.NoError(t, err)

	assert.Equal(t, Result{Approved: true, AutoApproved: true}, r)
	assert.Equal(t, 0, g.PendingCount())
	assert.Equal(t, 0, n.count(EventConnectionRequest))
}

func TestGate_UnknownAndExpired(t *testing.T) {
	expired := &model.Session{ID: "OLD-234-XYZ", ExpiresAt: time.Now().Add(-time.Minute)}
	g, _ := newTestGate(time.Second, expired)

	_, err := g.RequestApproval(context.Background(), "NOP-234-XYZ", model.RequesterInfo{})
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))

	_, err = g.RequestApproval(context.Background(), expired.ID, model.RequesterInfo{})
	assert.Equal(t, apperrors.ErrCodeSessionExpired, apperrors.GetCode(err))
}

func TestGate_Approved(t *testing.T) {
	s := attended("ABC-234-XYZ")
	g, n := newTestGate(2*time.Second, s)

	ch := requestAsync(g, context.Background(), s.ID)
	req := n.awaitRequest(t)
	assert.Equal(t, s.ID, req.SessionID)
	assert.Equal(t, "tech-1", req.Requester.TechnicianID)

	pending, ok := g.Pending(s.ID)
	require.True(t, ok)
	assert.Equal(t, req.RequestID, pending.ID)
	assert.Equal(t, model.ApprovalPending, pending.Status)

	assert.True(t, g.HandleResponse(s.ID, true))

	o := await(t, ch)
	require.NoError(t, o.err)
	assert.Equal(t, Result{Approved: true}, o.result)
	assert.Equal(t, 0, g.PendingCount())
	assert.Equal(t, 1, n.count(EventApprovalResolved))
}

func TestGate_Denied(t *testing.T) {
	s := attended("ABC-234-XYZ")
	g, n := newTestGate(2*time.Second, s)

	ch := requestAsync(g, context.Background(), s.ID)
	n.awaitRequest(t)
	g.HandleResponse(s.ID, false)

	o := await(t, ch)
	assert.False(t, o.result.Approved)
	assert.Equal(t, ReasonDenied, o.result.Reason)
}

func TestGate_FirstResponseWins(t *testing.T) {
	s := attended("ABC-234-XYZ")
	g, n := newTestGate(2*time.Second, s)

	ch := requestAsync(g, context.Background(), s.ID)
	n.awaitRequest(t)

	assert.True(t, g.HandleResponse(s.ID, false))
	assert.False(t, g.HandleResponse(s.ID, true))

	o := await(t, ch)
	assert.False(t, o.result.Approved)
	assert.Equal(t, ReasonDenied, o.result.Reason)
	assert.Equal(t, 1, n.count(EventApprovalResolved))
}

func TestGate_Timeout(t *testing.T) {
	s := attended("ABC-234-XYZ")
	g, n := newTestGate(50*time.Millisecond, s)

	start := time.Now()
	r, err := g.RequestApproval(context.Background(), s.ID, model.RequesterInfo{})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, Result{Reason: ReasonTimeout}, r)
	assert.Equal(t, 0, g.PendingCount())
	_, ok := g.Pending(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, n.count(EventConnectionRequest))

	// A late response finds nothing to resolve.
	assert.False(t, g.HandleResponse(s.ID, true))
}

func TestGate_ResponseWithoutPendingIsNoop(t *testing.T) {
	g, _ := newTestGate(time.Second, attended("ABC-234-XYZ"))
	assert.False(t, g.HandleResponse("ABC-234-XYZ", true))
	assert.False(t, g.Cancel("ABC-234-XYZ"))
}

func TestGate_SecondRequestSupersedes(t *testing.T) {
	s := attended("ABC-234-XYZ")
	g, n := newTestGate(2*time.Second, s)

	first := requestAsync(g, context.Background(), s.ID)
	firstReq := n.awaitRequest(t)

	second := requestAsync(g, context.Background(), s.ID)
	secondReq := n.awaitRequest(t)
	assert.NotEqual(t, firstReq.RequestID, secondReq.RequestID)

	o := await(t, first)
	assert.Equal(t, Result{Reason: ReasonSuperseded}, o.result)

	pending, ok := g.Pending(s.ID)
	require.True(t, ok)
	assert.Equal(t, secondReq.RequestID, pending.ID)

	g.HandleResponse(s.ID, true)
	o = await(t, second)
	assert.True(t, o.result.Approved)
	assert.Equal(t, 0, g.PendingCount())
}

func TestGate_Cancel(t *testing.T) {
	s := attended("ABC-234-XYZ")
	g, n := newTestGate(2*time.Second, s)

	ch := requestAsync(g, context.Background(), s.ID)
	n.awaitRequest(t)

	assert.True(t, g.Cancel(s.ID))
	o := await(t, ch)
	assert.Equal(t, Result{Reason: ReasonCancelled}, o.result)
	assert.NoError(t, o.err)
	assert.Equal(t, 0, g.PendingCount())
}

func TestGate_ContextCancelled(t *testing.T) {
	s := attended("ABC-234-XYZ")
	g, n := newTestGate(2*time.Second, s)

	ctx, cancel := context.WithCancel(context.Background())
	ch := requestAsync(g, ctx, s.ID)
	n.awaitRequest(t)
	cancel()

	o := await(t, ch)
	assert.ErrorIs(t, o.err, context.Canceled)
	assert.Equal(t, ReasonCancelled, o.result.Reason)
	assert.Equal(t, 0, g.PendingCount())
}

func TestGate_IndependentSessions(t *testing.T) {
	a, b := attended("AAA-234-AAA"), attended("BBB-234-BBB")
	g, n := newTestGate(2*time.Second, a, b)

	chA := requestAsync(g, context.Background(), a.ID)
	n.awaitRequest(t)
	chB := requestAsync(g, context.Background(), b.ID)
	n.awaitRequest(t)
	assert.Equal(t, 2, g.PendingCount())

	g.HandleResponse(b.ID, false)
	assert.Equal(t, ReasonDenied, await(t, chB).result.Reason)

	g.HandleResponse(a.ID, true)
	assert.True(t, await(t, chA).result.Approved)
}
