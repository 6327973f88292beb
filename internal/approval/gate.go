package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/assist-relay/internal/audit"
	apperrors "github.com/openclaw/assist-relay/internal/errors"
	"github.com/openclaw/assist-relay/internal/model"
	"github.com/openclaw/assist-relay/internal/telemetry"
)

const DefaultTimeout = 30 * time.Second

const (
	EventConnectionRequest = "connection-request"
	EventApprovalResolved  = "approval-resolved"
)

const (
	ReasonDenied     = "denied"
	ReasonTimeout    = "timeout"
	ReasonSuperseded = "superseded"
	ReasonCancelled  = "cancelled"
)

type Result struct {
	Approved     bool   `json:"approved"`
	AutoApproved bool   `json:"autoApproved"`
	Reason       string `json:"reason,omitempty"`
}

type SessionGetter interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
}

// Notifier delivers an event to everyone in a session room.
type Notifier interface {
	Notify(ctx context.Context, sessionID, eventType string, payload any)
}

type ConnectionRequest struct {
	RequestID   string              `json:"requestId"`
	SessionID   string              `json:"sessionId"`
	Requester   model.RequesterInfo `json:"requester"`
	RequestedAt time.Time           `json:"requestedAt"`
	ExpiresAt   time.Time           `json:"expiresAt"`
}

type waiter struct {
	req    model.ApprovalRequest
	once   sync.Once
	done   chan struct{}
	result Result
}

func (w *waiter) settle(r Result) bool {
	settled := false
	w.once.Do(func() {
		w.result = r
		settled = true
		close(w.done)
	})
	return settled
}

// Gate holds at most one pending approval per session. A newer request
// replaces the pending one, which then resolves as superseded.
type Gate struct {
	sessions SessionGetter
	notifier Notifier
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*waiter
}

func NewGate(sessions SessionGetter, notifier Notifier, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		sessions: sessions,
		notifier: notifier,
		timeout:  timeout,
		now:      time.Now,
		pending:  make(map[string]*waiter),
	}
}

func (g *Gate) RequestApproval(ctx context.Context, sessionID string, requester model.RequesterInfo) (Result, error) {
	session, err := g.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if session == nil {
		return Result{}, apperrors.NotFound("session")
	}
	if session.IsExpired(g.now()) {
		return Result{}, apperrors.SessionExpired()
	}

	if session.AllowUnattended {
		telemetry.ApprovalOutcomes.WithLabelValues("auto").Inc()
		audit.Log(ctx, audit.Event{
			Type:         audit.EventApprovalAuto,
			SessionID:    session.ID,
			TechnicianID: requester.TechnicianID,
			IP:           requester.IP,
		})
		return Result{Approved: true, AutoApproved: true}, nil
	}

	now := g.now()
	w := &waiter{
		req: model.ApprovalRequest{
			ID:          uuid.NewString(),
			SessionID:   session.ID,
			Requester:   requester,
			RequestedAt: now,
			Status:      model.ApprovalPending,
		},
		done: make(chan struct{}),
	}

	g.mu.Lock()
	prev := g.pending[session.ID]
	g.pending[session.ID] = w
	g.mu.Unlock()

	if prev != nil && prev.settle(Result{Reason: ReasonSuperseded}) {
		log.Info().
			Str("sessionId", session.ID).
			Str("requestId", prev.req.ID).
			Msg("pending approval superseded")
	}

	audit.Log(ctx, audit.Event{
		Type:         audit.EventApprovalRequested,
		SessionID:    session.ID,
		TechnicianID: requester.TechnicianID,
		IP:           requester.IP,
		Details:      map[string]interface{}{"request_id": w.req.ID},
	})

	g.notifier.Notify(ctx, session.ID, EventConnectionRequest, ConnectionRequest{
		RequestID:   w.req.ID,
		SessionID:   session.ID,
		Requester:   requester,
		RequestedAt: now,
		ExpiresAt:   now.Add(g.timeout),
	})

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-w.done:
	case <-timer.C:
		g.resolve(session.ID, w, Result{Reason: ReasonTimeout})
	case <-ctx.Done():
		if g.resolve(session.ID, w, Result{Reason: ReasonCancelled}) {
			waitErr = ctx.Err()
		}
	}
	<-w.done

	g.release(session.ID, w)
	g.record(context.WithoutCancel(ctx), w)

	return w.result, waitErr
}

// HandleResponse resolves the pending request for sessionID. It reports
// false when nothing was pending. The first response settles the request and
// wakes the waiter at once, so a later response for the same request finds
// nothing pending and is ignored rather than overwriting the outcome.
func (g *Gate) HandleResponse(sessionID string, approved bool) bool {
	g.mu.Lock()
	w := g.pending[sessionID]
	g.mu.Unlock()
	if w == nil {
		return false
	}

	r := Result{Approved: true}
	if !approved {
		r = Result{Reason: ReasonDenied}
	}
	return g.resolve(sessionID, w, r)
}

// Cancel resolves the pending request for sessionID as cancelled.
func (g *Gate) Cancel(sessionID string) bool {
	g.mu.Lock()
	w := g.pending[sessionID]
	g.mu.Unlock()
	if w == nil {
		return false
	}
	return g.resolve(sessionID, w, Result{Reason: ReasonCancelled})
}

func (g *Gate) Pending(sessionID string) (model.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.pending[sessionID]
	if !ok {
		return model.ApprovalRequest{}, false
	}
	return w.req, true
}

func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) resolve(sessionID string, w *waiter, r Result) bool {
	g.release(sessionID, w)
	return w.settle(r)
}

func (g *Gate) release(sessionID string, w *waiter) {
	g.mu.Lock()
	if g.pending[sessionID] == w {
		delete(g.pending, sessionID)
	}
	g.mu.Unlock()
}

func (g *Gate) record(ctx context.Context, w *waiter) {
	r := w.result
	status := model.ApprovalDenied
	outcome := r.Reason
	eventType := audit.EventApprovalDenied
	switch {
	case r.Approved:
		status = model.ApprovalApproved
		outcome = "approved"
		eventType = audit.EventApprovalGranted
	case r.Reason == ReasonTimeout:
		status = model.ApprovalTimeout
	}

	telemetry.ApprovalOutcomes.WithLabelValues(outcome).Inc()
	audit.Log(ctx, audit.Event{
		Type:         eventType,
		SessionID:    w.req.SessionID,
		TechnicianID: w.req.Requester.TechnicianID,
		IP:           w.req.Requester.IP,
		Details: map[string]interface{}{
			"request_id": w.req.ID,
			"status":     string(status),
			"reason":     r.Reason,
		},
	})

	g.notifier.Notify(ctx, w.req.SessionID, EventApprovalResolved, map[string]any{
		"requestId": w.req.ID,
		"approved":  r.Approved,
		"reason":    r.Reason,
	})
}
