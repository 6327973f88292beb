package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/assist-relay/internal/bridge"
	"github.com/openclaw/assist-relay/internal/config"
	"github.com/openclaw/assist-relay/internal/service"
)

type ViewerBridge interface {
	ServeViewer(ctx context.Context, sessionID string, vc bridge.ViewerConn) error
}

// StreamHandler upgrades dashboard viewer channels at /stream/{sessionId}
// or /stream?sessionId= and hands them to the bridge.
type StreamHandler struct {
	bridge ViewerBridge
}

func NewStreamHandler(b ViewerBridge) *StreamHandler {
	return &StreamHandler{bridge: b}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("sessionId")
	}
	sessionID = service.NormalizeSessionCode(sessionID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("viewer upgrade failed")
		return
	}

	viewer := newWSViewer(conn)
	stop := make(chan struct{})
	go keepAlive(viewer, stop)
	defer close(stop)

	if err := h.bridge.ServeViewer(r.Context(), sessionID, viewer); err != nil {
		if errors.Is(err, bridge.ErrNoSession) {
			log.Warn().Str("remoteAddr", r.RemoteAddr).Msg("viewer channel without session id")
			return
		}
		log.Error().Err(err).Str("sessionId", sessionID).Msg("viewer channel failed")
	}
}

func keepAlive(v *wsViewer, stop <-chan struct{}) {
	ticker := time.NewTicker(config.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := v.ping(); err != nil {
				return
			}
		}
	}
}
