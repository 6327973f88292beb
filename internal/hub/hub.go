package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/assist-relay/internal/audit"
	"github.com/openclaw/assist-relay/internal/model"
	redisclient "github.com/openclaw/assist-relay/internal/redis"
	"github.com/openclaw/assist-relay/internal/service"
	"github.com/openclaw/assist-relay/internal/sse"
	"github.com/openclaw/assist-relay/internal/telemetry"
)

// Endpoint is one joined signaling connection. Send must not block; the
// hub calls it while holding its lock.
type Endpoint interface {
	ID() string
	Send(msg Message) error
	Close() error
}

// Store mirrors presence onto the persisted session record. The hub is its
// only writer; every call for one session runs in order on the outbox.
type Store interface {
	MarkStreamState(ctx context.Context, id string, connected bool) error
	SyncPresence(ctx context.Context, id string, state service.PresenceState) error
	StartBilling(ctx context.Context, id string) error
	StopBilling(ctx context.Context, id string) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, event sse.Event) error
}

type member struct {
	endpoint  Endpoint
	sessionID string
	role      model.Role
	label     string
	viewing   bool
}

type cachedOffer struct {
	offer            Message
	sourceEndpointID string
	candidates       []Message
}

type room struct {
	id            string
	source        string
	viewers       []string
	viewingCounts map[string]int
	offer         *cachedOffer
}

func (r *room) empty() bool {
	return r.source == "" && len(r.viewers) == 0
}

func (r *room) removeViewer(endpointID string) {
	for i, id := range r.viewers {
		if id == endpointID {
			r.viewers = append(r.viewers[:i], r.viewers[i+1:]...)
			return
		}
	}
}

// Hub is the per-process registry of session rooms. Room state is the
// source of truth; persistence and redis fan-out trail it through an
// ordered outbox.
type Hub struct {
	store     Store
	publisher Publisher
	outbox    *outbox

	mu           sync.Mutex
	endpoints    map[string]*member
	rooms        map[string]*room
	streams      map[string]bool
	onSourceLeft func(sessionID string)
}

func New(store Store, publisher Publisher, persistTimeout time.Duration) *Hub {
	if persistTimeout <= 0 {
		persistTimeout = 5 * time.Second
	}
	return &Hub{
		store:     store,
		publisher: publisher,
		outbox:    newOutbox(persistTimeout),
		endpoints: make(map[string]*member),
		rooms:     make(map[string]*room),
		streams:   make(map[string]bool),
	}
}

// OnSourceLeft registers fn to run after a session's source endpoint leaves.
func (h *Hub) OnSourceLeft(fn func(sessionID string)) {
	h.mu.Lock()
	h.onSourceLeft = fn
	h.mu.Unlock()
}

// Close flushes pending side effects. The hub must not be used afterwards.
func (h *Hub) Close() {
	h.outbox.close()
}

func (h *Hub) Join(ep Endpoint, sessionID string, role model.Role, label string) error {
	if !role.Valid() {
		return ErrInvalidRole
	}
	if label == "" {
		label = ep.ID()
	}

	var evicted Endpoint

	h.mu.Lock()
	if _, ok := h.endpoints[ep.ID()]; ok {
		h.mu.Unlock()
		return ErrAlreadyJoined
	}

	r := h.roomLocked(sessionID)
	m := &member{endpoint: ep, sessionID: sessionID, role: role, label: label}
	h.endpoints[ep.ID()] = m

	switch role {
	case model.RoleSource:
		if r.source != "" {
			evicted = h.evictSourceLocked(r)
		}
		r.source = ep.ID()

		h.sendLocked(ep, Message{Type: TypeJoined, SessionID: sessionID, EndpointID: ep.ID(), Role: role})
		if len(r.viewers) > 0 {
			h.broadcastRosterLocked(r)
		}

	case model.RoleViewer:
		r.viewers = append(r.viewers, ep.ID())

		h.sendLocked(ep, Message{Type: TypeJoined, SessionID: sessionID, EndpointID: ep.ID(), Role: role, Label: label})
		h.sendToRoomLocked(r, Message{
			Type:       TypeViewerJoined,
			SessionID:  sessionID,
			EndpointID: ep.ID(),
			Label:      label,
		}, ep.ID())
		h.sendLocked(ep, Message{Type: TypeRoster, SessionID: sessionID, Payload: mustPayload(h.rosterLocked(r))})

		if r.offer != nil {
			h.sendLocked(ep, r.offer.offer)
			for _, c := range r.offer.candidates {
				h.sendLocked(ep, c)
			}
			r.offer = nil
		} else if h.streams[sessionID] {
			h.sendLocked(ep, Message{Type: TypeUseLegacyStream, SessionID: sessionID})
		}
	}

	h.syncPresenceLocked(r)
	h.mu.Unlock()

	if evicted != nil {
		_ = evicted.Close()
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("endpointId", ep.ID()).
		Str("role", string(role)).
		Msg("endpoint joined")

	return nil
}

// Leave removes an endpoint, whether it left explicitly or its channel was
// lost. Unknown endpoints are ignored.
func (h *Hub) Leave(endpointID string) {
	h.mu.Lock()
	m, ok := h.endpoints[endpointID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.endpoints, endpointID)

	r := h.rooms[m.sessionID]
	sourceLeft := false
	var hook func(string)

	if r != nil {
		switch m.role {
		case model.RoleSource:
			if r.source == endpointID {
				r.source = ""
				r.offer = nil
				h.resetViewingLocked(r)
				h.sendToRoomLocked(r, Message{Type: TypeSourceLeft, SessionID: r.id, EndpointID: endpointID}, "")
				sourceLeft = true
				hook = h.onSourceLeft
			}

		case model.RoleViewer:
			r.removeViewer(endpointID)
			if m.viewing {
				h.applyViewingLocked(r, m, false)
			}
			h.sendToRoomLocked(r, Message{
				Type:       TypeViewerLeft,
				SessionID:  r.id,
				EndpointID: endpointID,
				Label:      m.label,
			}, "")
		}

		h.syncPresenceLocked(r)
		if r.empty() {
			delete(h.rooms, r.id)
			telemetry.RoomClosed()
		}
	}
	h.mu.Unlock()

	log.Info().
		Str("sessionId", m.sessionID).
		Str("endpointId", endpointID).
		Str("role", string(m.role)).
		Msg("endpoint left")

	if sourceLeft && hook != nil {
		hook(m.sessionID)
	}
}

// Relay forwards an offer, answer or candidate to the opposite role, or to
// msg.TargetEndpointID alone. A source offer sent before any viewer joined
// is cached together with the candidates that follow it.
func (h *Hub) Relay(endpointID string, msg Message) error {
	if !isRelayType(msg.Type) {
		return ErrUnsupportedType
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.endpoints[endpointID]
	if !ok {
		return ErrUnknownEndpoint
	}
	r := h.rooms[m.sessionID]

	msg.SessionID = m.sessionID
	msg.EndpointID = endpointID
	msg.Role = m.role
	msg.Label = m.label

	if msg.TargetEndpointID != "" {
		target, ok := h.endpoints[msg.TargetEndpointID]
		if !ok || target.sessionID != m.sessionID || target.role == m.role {
			return ErrTargetNotInRoom
		}
		h.sendLocked(target.endpoint, msg)
		telemetry.SignalsRelayed.WithLabelValues(msg.Type).Inc()
		return nil
	}

	if m.role == model.RoleSource {
		if len(r.viewers) == 0 {
			h.cacheLocked(r, endpointID, msg)
			return nil
		}
		for _, id := range r.viewers {
			h.sendLocked(h.endpoints[id].endpoint, msg)
		}
	} else {
		if r.source == "" {
			log.Debug().
				Str("sessionId", m.sessionID).
				Str("type", msg.Type).
				Msg("dropping viewer signal, no source joined")
			return nil
		}
		h.sendLocked(h.endpoints[r.source].endpoint, msg)
	}

	telemetry.SignalsRelayed.WithLabelValues(msg.Type).Inc()
	return nil
}

// SetViewing records whether a viewer has an established peer connection.
// The per-label count moving between zero and non-zero opens or closes the
// session's billable window.
func (h *Hub) SetViewing(endpointID string, viewing bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.endpoints[endpointID]
	if !ok {
		return ErrUnknownEndpoint
	}
	if m.role != model.RoleViewer {
		return ErrNotViewer
	}
	if m.viewing == viewing {
		return nil
	}

	r := h.rooms[m.sessionID]
	if viewing && r.source == "" {
		log.Debug().
			Str("sessionId", m.sessionID).
			Str("endpointId", endpointID).
			Msg("ignoring viewing state without a source")
		return nil
	}

	h.applyViewingLocked(r, m, viewing)
	h.syncPresenceLocked(r)
	return nil
}

// StreamReady marks a legacy byte stream as bound to sessionID and
// persists the session as connected.
func (h *Hub) StreamReady(sessionID string) {
	h.mu.Lock()
	h.streams[sessionID] = true
	h.pushStreamStateLocked(sessionID, true)
	r := h.rooms[sessionID]
	if r != nil {
		h.sendToRoomLocked(r, Message{Type: EventStreamReady, SessionID: sessionID}, "")
		h.syncPresenceLocked(r)
	}
	h.publishLocked(sessionID, EventStreamReady, map[string]any{"sessionId": sessionID}, true)
	h.mu.Unlock()
}

// StreamGone clears the legacy stream of sessionID. A joined signaling
// source keeps the session persisted as connected.
func (h *Hub) StreamGone(sessionID string) {
	h.mu.Lock()
	delete(h.streams, sessionID)
	r := h.rooms[sessionID]
	if r != nil {
		h.sendToRoomLocked(r, Message{Type: EventStreamGone, SessionID: sessionID}, "")
		h.syncPresenceLocked(r)
	} else {
		h.pushStreamStateLocked(sessionID, false)
	}
	h.publishLocked(sessionID, EventStreamGone, map[string]any{"sessionId": sessionID}, true)
	h.mu.Unlock()
}

func (h *Hub) HasStream(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams[sessionID]
}

// SessionCreated announces a session that no dashboard has joined yet.
func (h *Hub) SessionCreated(session *model.Session, shareLink string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.publishLocked(session.ID, EventSessionCreated, map[string]any{
		"sessionId":   session.ID,
		"hostname":    session.Hostname,
		"autoCreated": session.AutoCreated,
		"shareLink":   shareLink,
		"expiresAt":   session.ExpiresAt,
	}, true)
}

// Notify sends an event to every member of the session room and to
// dashboards following the session.
func (h *Hub) Notify(_ context.Context, sessionID, eventType string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r := h.rooms[sessionID]; r != nil {
		h.sendToRoomLocked(r, Message{Type: eventType, SessionID: sessionID, Payload: mustPayload(payload)}, "")
	}
	h.publishLocked(sessionID, eventType, payload, false)
}

// Member returns the session and role an endpoint joined with.
func (h *Hub) Member(endpointID string) (sessionID string, role model.Role, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.endpoints[endpointID]
	if !ok {
		return "", "", false
	}
	return m.sessionID, m.role, true
}

func (h *Hub) roomLocked(sessionID string) *room {
	r, ok := h.rooms[sessionID]
	if !ok {
		r = &room{id: sessionID, viewingCounts: make(map[string]int)}
		h.rooms[sessionID] = r
		telemetry.RoomOpened()
	}
	return r
}

func (h *Hub) evictSourceLocked(r *room) Endpoint {
	old, ok := h.endpoints[r.source]
	r.offer = nil
	h.resetViewingLocked(r)
	r.source = ""
	if !ok {
		return nil
	}
	delete(h.endpoints, old.endpoint.ID())
	h.sendLocked(old.endpoint, Message{Type: TypeSourceReplaced, SessionID: r.id})

	audit.Log(context.Background(), audit.Event{
		Type:      audit.EventSourceReplaced,
		SessionID: r.id,
		Details:   map[string]interface{}{"endpoint_id": old.endpoint.ID()},
	})
	return old.endpoint
}

func (h *Hub) cacheLocked(r *room, sourceID string, msg Message) {
	switch msg.Type {
	case TypeOffer:
		r.offer = &cachedOffer{offer: msg, sourceEndpointID: sourceID}
	case TypeICECandidate:
		if r.offer != nil && r.offer.sourceEndpointID == sourceID {
			r.offer.candidates = append(r.offer.candidates, msg)
		}
	}
}

func (h *Hub) applyViewingLocked(r *room, m *member, viewing bool) {
	before := len(r.viewingCounts)
	m.viewing = viewing
	if viewing {
		r.viewingCounts[m.label]++
	} else {
		r.viewingCounts[m.label]--
		if r.viewingCounts[m.label] <= 0 {
			delete(r.viewingCounts, m.label)
		}
	}
	h.billingTransitionLocked(r.id, before, len(r.viewingCounts))
}

func (h *Hub) resetViewingLocked(r *room) {
	before := len(r.viewingCounts)
	for _, id := range r.viewers {
		if v, ok := h.endpoints[id]; ok {
			v.viewing = false
		}
	}
	r.viewingCounts = make(map[string]int)
	h.billingTransitionLocked(r.id, before, 0)
}

func (h *Hub) billingTransitionLocked(sessionID string, before, after int) {
	switch {
	case before == 0 && after > 0:
		h.outbox.push(sessionID, "start-billing", func(ctx context.Context) error {
			return h.store.StartBilling(ctx, sessionID)
		})
	case before > 0 && after == 0:
		h.outbox.push(sessionID, "stop-billing", func(ctx context.Context) error {
			return h.store.StopBilling(ctx, sessionID)
		})
	}
}

func (h *Hub) presenceLocked(r *room) Presence {
	labels := make(map[string]struct{}, len(r.viewers))
	for _, id := range r.viewers {
		if v, ok := h.endpoints[id]; ok {
			labels[v.label] = struct{}{}
		}
	}
	return Presence{
		SessionID:          r.id,
		SourceConnected:    r.source != "",
		LegacyStream:       h.streams[r.id],
		ActiveTechnicians:  len(labels),
		ViewingTechnicians: len(r.viewingCounts),
	}
}

func (h *Hub) syncPresenceLocked(r *room) {
	p := h.presenceLocked(r)
	state := service.PresenceState{
		SourceConnected:    p.SourceConnected || p.LegacyStream,
		ActiveTechnicians:  p.ActiveTechnicians,
		ViewingTechnicians: p.ViewingTechnicians,
	}
	h.outbox.push(r.id, "sync-presence", func(ctx context.Context) error {
		return h.store.SyncPresence(ctx, r.id, state)
	})
	h.sendToRoomLocked(r, Message{Type: EventPresenceUpdated, SessionID: r.id, Payload: mustPayload(p)}, "")
	h.publishLocked(r.id, EventPresenceUpdated, p, true)
}

func (h *Hub) pushStreamStateLocked(sessionID string, connected bool) {
	h.outbox.push(sessionID, "stream-state", func(ctx context.Context) error {
		return h.store.MarkStreamState(ctx, sessionID, connected)
	})
}

func (h *Hub) rosterLocked(r *room) Roster {
	roster := Roster{Source: r.source, Viewers: make([]ViewerInfo, 0, len(r.viewers))}
	for _, id := range r.viewers {
		if v, ok := h.endpoints[id]; ok {
			roster.Viewers = append(roster.Viewers, ViewerInfo{EndpointID: id, Label: v.label, Viewing: v.viewing})
		}
	}
	return roster
}

func (h *Hub) broadcastRosterLocked(r *room) {
	h.sendToRoomLocked(r, Message{Type: TypeRoster, SessionID: r.id, Payload: mustPayload(h.rosterLocked(r))}, "")
}

func (h *Hub) sendToRoomLocked(r *room, msg Message, except string) {
	if r.source != "" && r.source != except {
		if m, ok := h.endpoints[r.source]; ok {
			h.sendLocked(m.endpoint, msg)
		}
	}
	for _, id := range r.viewers {
		if id == except {
			continue
		}
		if m, ok := h.endpoints[id]; ok {
			h.sendLocked(m.endpoint, msg)
		}
	}
}

func (h *Hub) sendLocked(ep Endpoint, msg Message) {
	if err := ep.Send(msg); err != nil {
		log.Debug().
			Err(err).
			Str("endpointId", ep.ID()).
			Str("type", msg.Type).
			Msg("failed to deliver signaling message")
	}
}

func (h *Hub) publishLocked(sessionID, eventType string, payload any, dashboards bool) {
	if h.publisher == nil {
		return
	}
	event, err := sse.NewEvent(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("failed to encode notification")
		return
	}
	h.outbox.push(sessionID, "publish-"+eventType, func(ctx context.Context) error {
		if err := h.publisher.Publish(ctx, redisclient.SessionTopic(sessionID), event); err != nil {
			return err
		}
		if dashboards {
			return h.publisher.Publish(ctx, redisclient.DashboardTopic(), event)
		}
		return nil
	})
}

type RoomSnapshot struct {
	Source           string
	Viewers          []ViewerInfo
	ViewingCounts    map[string]int
	CachedOffer      bool
	CachedCandidates int
	Presence         Presence
}

// Snapshot copies the in-memory record of one session room.
func (h *Hub) Snapshot(sessionID string) (RoomSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[sessionID]
	if !ok {
		return RoomSnapshot{}, false
	}
	counts := make(map[string]int, len(r.viewingCounts))
	for label, n := range r.viewingCounts {
		counts[label] = n
	}
	snap := RoomSnapshot{
		Source:        r.source,
		Viewers:       h.rosterLocked(r).Viewers,
		ViewingCounts: counts,
		Presence:      h.presenceLocked(r),
	}
	if r.offer != nil {
		snap.CachedOffer = true
		snap.CachedCandidates = len(r.offer.candidates)
	}
	return snap, true
}

func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
