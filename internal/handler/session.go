package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/assist-relay/internal/approval"
	"github.com/openclaw/assist-relay/internal/audit"
	apperrors "github.com/openclaw/assist-relay/internal/errors"
	"github.com/openclaw/assist-relay/internal/hub"
	"github.com/openclaw/assist-relay/internal/model"
	"github.com/openclaw/assist-relay/internal/pairing"
	"github.com/openclaw/assist-relay/internal/service"
)

const maxExpiresInMinutes = 24 * 60

type SessionManager interface {
	CreateSession(ctx context.Context, req service.CreateSessionRequest) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	FindActiveByDeviceID(ctx context.Context, deviceID string) (*model.Session, error)
	FindByTechnician(ctx context.Context, technicianID string, limit, offset int) ([]model.Session, error)
}

type IntentRecorder interface {
	Remember(sessionID, addr string)
	Pending(sessionID string) (string, bool)
	Forget(sessionID string)
}

type ApprovalGate interface {
	RequestApproval(ctx context.Context, sessionID string, requester model.RequesterInfo) (approval.Result, error)
	HandleResponse(sessionID string, approved bool) bool
	Pending(sessionID string) (model.ApprovalRequest, bool)
}

type PresenceView interface {
	Snapshot(sessionID string) (hub.RoomSnapshot, bool)
	HasStream(sessionID string) bool
}

type SessionHandler struct {
	sessions    SessionManager
	intents     IntentRecorder
	gate        ApprovalGate
	presence    PresenceView
	shareLink   func(sessionID string) string
	intentTTL   time.Duration
	intentLimit func(http.Handler) http.Handler
}

func NewSessionHandler(
	sessions SessionManager,
	intents IntentRecorder,
	gate ApprovalGate,
	presence PresenceView,
	shareLink func(sessionID string) string,
	intentTTL time.Duration,
	intentLimit func(http.Handler) http.Handler,
) *SessionHandler {
	return &SessionHandler{
		sessions:    sessions,
		intents:     intents,
		gate:        gate,
		presence:    presence,
		shareLink:   shareLink,
		intentTTL:   intentTTL,
		intentLimit: intentLimit,
	}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateSession)
	r.Get("/", h.ListSessions)
	r.Get("/{sessionId}", h.GetSession)
	r.Get("/{sessionId}/presence", h.GetPresence)
	if h.intentLimit != nil {
		r.With(h.intentLimit).Post("/{sessionId}/stream-intent", h.RegisterStreamIntent)
	} else {
		r.Post("/{sessionId}/stream-intent", h.RegisterStreamIntent)
	}
	r.Get("/{sessionId}/stream-intent", h.GetStreamIntent)
	r.Delete("/{sessionId}/stream-intent", h.WithdrawStreamIntent)
	r.Post("/{sessionId}/connect", h.Connect)
	r.Get("/{sessionId}/approval", h.GetPendingApproval)
	r.Post("/{sessionId}/approval", h.RespondApproval)

	return r
}

type createSessionBody struct {
	TechnicianID     string `json:"technicianId"`
	DeviceID         string `json:"deviceId"`
	Hostname         string `json:"hostname"`
	ExpiresInMinutes int    `json:"expiresInMinutes"`
	AllowUnattended  bool   `json:"allowUnattended"`
}

// POST /v1/sessions
// A device with an active session gets that session back instead of a new one.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ExpiresInMinutes < 0 || body.ExpiresInMinutes > maxExpiresInMinutes {
		writeError(w, apperrors.InvalidInput("expiresInMinutes", "must be between 0 and 1440"))
		return
	}

	ctx := r.Context()

	if body.DeviceID != "" {
		existing, err := h.sessions.FindActiveByDeviceID(ctx, body.DeviceID)
		if err != nil {
			log.Error().Err(err).Str("deviceId", body.DeviceID).Msg("failed to look up device session")
			writeError(w, err)
			return
		}
		if existing != nil {
			writeJSON(w, http.StatusOK, h.sessionResponse(existing))
			return
		}
	}

	session, err := h.sessions.CreateSession(ctx, service.CreateSessionRequest{
		TechnicianID:    body.TechnicianID,
		DeviceID:        body.DeviceID,
		Hostname:        body.Hostname,
		ExpiresIn:       time.Duration(body.ExpiresInMinutes) * time.Minute,
		AllowUnattended: body.AllowUnattended,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create session")
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:         audit.EventSessionCreate,
		SessionID:    session.ID,
		TechnicianID: body.TechnicianID,
	})

	writeJSON(w, http.StatusCreated, h.sessionResponse(session))
}

// GET /v1/sessions?technicianId=&limit=&offset=
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	technicianID := r.URL.Query().Get("technicianId")
	if technicianID == "" {
		writeError(w, apperrors.MissingRequired("technicianId"))
		return
	}

	page := ParsePagination(r)
	sessions, err := h.sessions.FindByTechnician(r.Context(), technicianID, page.Limit, page.Offset)
	if err != nil {
		log.Error().Err(err).Str("technicianId", technicianID).Msg("failed to list sessions")
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

// GET /v1/sessions/{sessionId}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.sessionResponse(session))
}

// GET /v1/sessions/{sessionId}/presence
func (h *SessionHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	sessionID := service.NormalizeSessionCode(chi.URLParam(r, "sessionId"))

	presence := hub.Presence{SessionID: sessionID}
	if snap, ok := h.presence.Snapshot(sessionID); ok {
		presence = snap.Presence
	}
	presence.LegacyStream = h.presence.HasStream(sessionID)

	writeJSON(w, http.StatusOK, presence)
}

// POST /v1/sessions/{sessionId}/stream-intent
// Called by the customer agent right before it opens its legacy stream
// socket; the caller's address is remembered for pairing.
func (h *SessionHandler) RegisterStreamIntent(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if session.IsExpired(time.Now()) {
		writeError(w, apperrors.SessionExpired())
		return
	}

	addr := pairing.NormalizeAddr(audit.ClientIP(r))
	h.intents.Remember(session.ID, addr)

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventStreamIntent,
		SessionID: session.ID,
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"sessionId":  session.ID,
		"address":    addr,
		"ttlSeconds": int(h.intentTTL.Seconds()),
	})
}

// GET /v1/sessions/{sessionId}/stream-intent
func (h *SessionHandler) GetStreamIntent(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	addr, ok := h.intents.Pending(session.ID)
	if !ok {
		writeError(w, apperrors.NotFound("Stream intent"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": session.ID,
		"address":   addr,
	})
}

// DELETE /v1/sessions/{sessionId}/stream-intent
// The agent gave up on opening its stream socket.
func (h *SessionHandler) WithdrawStreamIntent(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	h.intents.Forget(session.ID)
	w.WriteHeader(http.StatusNoContent)
}

type connectBody struct {
	TechnicianID string `json:"technicianId"`
	Name         string `json:"name"`
}

// POST /v1/sessions/{sessionId}/connect
// Blocks until the customer answers, the request times out or the caller
// goes away. Denial is a normal outcome and still answers 200.
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	sessionID := service.NormalizeSessionCode(chi.URLParam(r, "sessionId"))

	var body connectBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.gate.RequestApproval(r.Context(), sessionID, model.RequesterInfo{
		TechnicianID: body.TechnicianID,
		Name:         body.Name,
		IP:           audit.ClientIP(r),
	})
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GET /v1/sessions/{sessionId}/approval
func (h *SessionHandler) GetPendingApproval(w http.ResponseWriter, r *http.Request) {
	sessionID := service.NormalizeSessionCode(chi.URLParam(r, "sessionId"))

	req, ok := h.gate.Pending(sessionID)
	if !ok {
		writeError(w, apperrors.NotFound("Pending approval"))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type approvalBody struct {
	Approved *bool `json:"approved"`
}

// POST /v1/sessions/{sessionId}/approval
func (h *SessionHandler) RespondApproval(w http.ResponseWriter, r *http.Request) {
	sessionID := service.NormalizeSessionCode(chi.URLParam(r, "sessionId"))

	var body approvalBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Approved == nil {
		writeError(w, apperrors.MissingRequired("approved"))
		return
	}

	resolved := h.gate.HandleResponse(sessionID, *body.Approved)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"resolved":  resolved,
	})
}

func (h *SessionHandler) loadSession(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	sessionID := service.NormalizeSessionCode(chi.URLParam(r, "sessionId"))

	session, err := h.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to get session")
		writeError(w, err)
		return nil, false
	}
	if session == nil {
		writeError(w, apperrors.NotFound("Session"))
		return nil, false
	}
	return session, true
}

type sessionResponse struct {
	*model.Session
	ShareLink string `json:"shareLink"`
}

func (h *SessionHandler) sessionResponse(s *model.Session) sessionResponse {
	return sessionResponse{Session: s, ShareLink: h.shareLink(s.ID)}
}
