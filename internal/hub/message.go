package hub

import (
	"encoding/json"
	"errors"

	"github.com/openclaw/assist-relay/internal/model"
)

// Inbound message types.
const (
	TypeJoin             = "join"
	TypeLeave            = "leave"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeICECandidate     = "ice-candidate"
	TypeViewingState     = "viewing-state"
	TypeApprovalResponse = "approval-response"
	TypePing             = "ping"
)

// Outbound message and notification types.
const (
	TypePong            = "pong"
	TypeJoined          = "joined"
	TypeRoster          = "roster"
	TypeViewerJoined    = "viewer-joined"
	TypeViewerLeft      = "viewer-left"
	TypeSourceLeft      = "source-left"
	TypeSourceReplaced  = "source-replaced"
	TypeUseLegacyStream = "use-legacy-stream"
	TypeError           = "error"

	EventStreamReady     = "stream-ready"
	EventStreamGone      = "stream-gone"
	EventPresenceUpdated = "presence-updated"
	EventSessionCreated  = "session-created"
)

var (
	ErrUnknownEndpoint = errors.New("hub: unknown endpoint")
	ErrAlreadyJoined   = errors.New("hub: endpoint already joined")
	ErrInvalidRole     = errors.New("hub: invalid role")
	ErrNotViewer       = errors.New("hub: only viewers report viewing state")
	ErrUnsupportedType = errors.New("hub: unsupported relay type")
	ErrTargetNotInRoom = errors.New("hub: target endpoint not in session")
)

// Message is the signaling envelope exchanged with endpoints. Payload is
// opaque to the hub.
type Message struct {
	Type             string          `json:"type"`
	SessionID        string          `json:"sessionId,omitempty"`
	EndpointID       string          `json:"endpointId,omitempty"`
	TargetEndpointID string          `json:"targetEndpointId,omitempty"`
	Role             model.Role      `json:"role,omitempty"`
	Label            string          `json:"label,omitempty"`
	Viewing          *bool           `json:"viewing,omitempty"`
	Approved         *bool           `json:"approved,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

type ViewerInfo struct {
	EndpointID string `json:"endpointId"`
	Label      string `json:"label"`
	Viewing    bool   `json:"viewing"`
}

type Roster struct {
	Source  string       `json:"source,omitempty"`
	Viewers []ViewerInfo `json:"viewers"`
}

type Presence struct {
	SessionID          string `json:"sessionId"`
	SourceConnected    bool   `json:"sourceConnected"`
	LegacyStream       bool   `json:"legacyStream"`
	ActiveTechnicians  int    `json:"activeTechnicians"`
	ViewingTechnicians int    `json:"viewingTechnicians"`
}

func isRelayType(t string) bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

func mustPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
