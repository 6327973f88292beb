package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/assist-relay/internal/config"
	apperrors "github.com/openclaw/assist-relay/internal/errors"
	"github.com/openclaw/assist-relay/internal/httputil"
	"github.com/openclaw/assist-relay/internal/hub"
	"github.com/openclaw/assist-relay/internal/model"
	"github.com/openclaw/assist-relay/internal/service"
)

type SignalHub interface {
	Join(ep hub.Endpoint, sessionID string, role model.Role, label string) error
	Leave(endpointID string)
	Relay(endpointID string, msg hub.Message) error
	SetViewing(endpointID string, viewing bool) error
	Member(endpointID string) (sessionID string, role model.Role, ok bool)
}

type ApprovalResponder interface {
	HandleResponse(sessionID string, approved bool) bool
}

type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
}

// SignalHandler serves the signaling websocket at /v1/signal. An endpoint
// may join from the query string (sessionId, role, label) or with a join
// message.
type SignalHandler struct {
	hub             SignalHub
	gate            ApprovalResponder
	sessions        SessionLookup
	maxMessageBytes int64
}

func NewSignalHandler(h SignalHub, gate ApprovalResponder, sessions SessionLookup, maxMessageBytes int64) *SignalHandler {
	return &SignalHandler{
		hub:             h,
		gate:            gate,
		sessions:        sessions,
		maxMessageBytes: maxMessageBytes,
	}
}

func (h *SignalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := service.NormalizeSessionCode(q.Get("sessionId"))
	role := model.Role(q.Get("role"))
	label := q.Get("label")

	if role != "" && !role.Valid() {
		httputil.WriteError(w, apperrors.InvalidInput("role", "must be source or viewer"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("signaling upgrade failed")
		return
	}

	ep := newWSEndpoint(conn)
	go ep.writePump()
	defer func() {
		h.hub.Leave(ep.ID())
		_ = ep.Close()
	}()

	conn.SetReadLimit(h.maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(config.WSPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.WSPongTimeout))
	})

	ctx := r.Context()

	if sessionID != "" && role != "" {
		if err := h.join(ctx, ep, sessionID, role, label); err != nil {
			h.sendError(ep, sessionID, err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("endpointId", ep.ID()).Msg("signaling read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(config.WSPongTimeout))

		var msg hub.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(ep, "", apperrors.InvalidInput("message", "malformed JSON"))
			continue
		}
		if err := h.dispatch(ctx, ep, msg); err != nil {
			h.sendError(ep, msg.SessionID, err)
		}
	}
}

func (h *SignalHandler) dispatch(ctx context.Context, ep *wsEndpoint, msg hub.Message) error {
	switch msg.Type {
	case hub.TypePing:
		return ep.Send(hub.Message{Type: hub.TypePong, SessionID: msg.SessionID})

	case hub.TypeJoin:
		return h.join(ctx, ep, service.NormalizeSessionCode(msg.SessionID), msg.Role, msg.Label)

	case hub.TypeLeave:
		h.hub.Leave(ep.ID())
		return nil

	case hub.TypeOffer, hub.TypeAnswer, hub.TypeICECandidate:
		return h.hub.Relay(ep.ID(), msg)

	case hub.TypeViewingState:
		if msg.Viewing == nil {
			return apperrors.MissingRequired("viewing")
		}
		return h.hub.SetViewing(ep.ID(), *msg.Viewing)

	case hub.TypeApprovalResponse:
		if msg.Approved == nil {
			return apperrors.MissingRequired("approved")
		}
		sessionID, role, ok := h.hub.Member(ep.ID())
		if !ok {
			return hub.ErrUnknownEndpoint
		}
		if role != model.RoleSource {
			return apperrors.ValidationError("only the session source can answer a connection request")
		}
		if !h.gate.HandleResponse(sessionID, *msg.Approved) {
			log.Debug().Str("sessionId", sessionID).Msg("approval response with nothing pending")
		}
		return nil

	default:
		return apperrors.InvalidInput("type", "unsupported message type "+msg.Type)
	}
}

func (h *SignalHandler) join(ctx context.Context, ep *wsEndpoint, sessionID string, role model.Role, label string) error {
	if sessionID == "" {
		return apperrors.MissingRequired("sessionId")
	}
	if !role.Valid() {
		return apperrors.InvalidInput("role", "must be source or viewer")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, config.PersistTimeout)
	defer cancel()

	session, err := h.sessions.GetSession(lookupCtx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return apperrors.NotFound("Session")
	}
	if session.IsExpired(time.Now()) {
		return apperrors.SessionExpired()
	}

	return h.hub.Join(ep, session.ID, role, label)
}

func (h *SignalHandler) sendError(ep *wsEndpoint, sessionID string, err error) {
	body := map[string]string{"error": err.Error()}
	if appErr, ok := apperrors.AsAppError(err); ok {
		body = map[string]string{"error": appErr.Message, "code": string(appErr.Code)}
	} else if !isHubError(err) {
		log.Error().Err(err).Str("endpointId", ep.ID()).Msg("signaling message failed")
		body = map[string]string{"error": "internal error"}
	}

	raw, _ := json.Marshal(body)
	_ = ep.Send(hub.Message{Type: hub.TypeError, SessionID: sessionID, Payload: raw})
}

func isHubError(err error) bool {
	for _, target := range []error{
		hub.ErrUnknownEndpoint,
		hub.ErrAlreadyJoined,
		hub.ErrInvalidRole,
		hub.ErrNotViewer,
		hub.ErrUnsupportedType,
		hub.ErrTargetNotInRoom,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
