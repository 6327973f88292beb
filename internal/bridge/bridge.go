package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/openclaw/assist-relay/internal/audit"
	"github.com/openclaw/assist-relay/internal/config"
	"github.com/openclaw/assist-relay/internal/model"
	"github.com/openclaw/assist-relay/internal/pairing"
	"github.com/openclaw/assist-relay/internal/service"
	"github.com/openclaw/assist-relay/internal/telemetry"
)

var ErrNoSession = errors.New("bridge: no session id")

const (
	ReasonMissingSession = "missing session id"
	ReasonViewerReplaced = "replaced by a newer viewer"
	ReasonStreamReplaced = "stream replaced"
	ReasonStreamClosed   = "stream closed"
	ReasonShutdown       = "relay shutting down"
)

type Sessions interface {
	CreateSession(ctx context.Context, req service.CreateSessionRequest) (*model.Session, error)
	FindRecentAutoCreated(ctx context.Context, hostname string, window time.Duration) (*model.Session, error)
}

type Resolver interface {
	Resolve(addr string) (pairing.Match, error)
}

// Notifier receives stream lifecycle events and owns persisting the
// session's stream state, so that it stays ordered with presence writes.
type Notifier interface {
	StreamReady(sessionID string)
	StreamGone(sessionID string)
	SessionCreated(session *model.Session, shareLink string)
}

type Options struct {
	BufferBytes       int
	AutoSessionWindow time.Duration
	SessionExpiry     time.Duration
	PersistTimeout    time.Duration
	ShareLink         func(sessionID string) string
}

type viewerSlot struct {
	conn ViewerConn
	pipe *pipe
}

// Bridge joins legacy reverse-stream sockets to viewer channels. At most
// one socket and one viewer are bound per session.
type Bridge struct {
	sessions Sessions
	resolver Resolver
	notifier Notifier
	opts     Options
	creates  singleflight.Group

	mu      sync.Mutex
	pipes   map[string]*pipe
	byAddr  map[string]*pipe
	viewers map[string]*viewerSlot
	closed  bool

	wg sync.WaitGroup
}

func New(sessions Sessions, resolver Resolver, notifier Notifier, opts Options) *Bridge {
	if opts.BufferBytes < config.MinStreamBufferBytes {
		opts.BufferBytes = config.MinStreamBufferBytes
	}
	if opts.AutoSessionWindow <= 0 {
		opts.AutoSessionWindow = time.Hour
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = config.PersistTimeout
	}
	if opts.ShareLink == nil {
		opts.ShareLink = func(id string) string { return "/s/" + id }
	}
	return &Bridge{
		sessions: sessions,
		resolver: resolver,
		notifier: notifier,
		opts:     opts,
		pipes:    make(map[string]*pipe),
		byAddr:   make(map[string]*pipe),
		viewers:  make(map[string]*viewerSlot),
	}
}

// Serve accepts legacy sockets until ctx is done or ln fails.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	log.Info().Str("addr", ln.Addr().String()).Msg("stream bridge listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept stream socket: %w", err)
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.HandleSocket(ctx, conn)
		}()
	}
}

// HandleSocket resolves a legacy socket to a session, binds it and pumps
// its bytes until either side closes.
func (b *Bridge) HandleSocket(ctx context.Context, conn net.Conn) {
	addr := pairing.NormalizeAddr(conn.RemoteAddr().String())

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("addr", addr).Interface("panic", r).Msg("stream socket handler panicked")
			_ = conn.Close()
		}
	}()

	sessionID, method, err := b.resolve(ctx, addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("failed to resolve stream socket, closing")
		_ = conn.Close()
		return
	}

	p := newPipe(sessionID, addr, conn, b.opts.BufferBytes)
	if !b.bind(p) {
		_ = conn.Close()
		return
	}
	defer b.release(p)

	log.Info().
		Str("sessionId", sessionID).
		Str("addr", addr).
		Str("method", method).
		Msg("stream socket bound")

	telemetry.StreamBound()
	b.notifier.StreamReady(sessionID)

	buf := make([]byte, config.StreamReadChunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := p.deliver(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) resolve(ctx context.Context, addr string) (string, string, error) {
	match, err := b.resolver.Resolve(addr)
	if err == nil {
		return match.SessionID, string(match.Method), nil
	}

	b.mu.Lock()
	prev := b.byAddr[addr]
	b.mu.Unlock()
	if prev != nil {
		telemetry.PairingResolutions.WithLabelValues("reconnect").Inc()
		return prev.sessionID, "reconnect", nil
	}

	v, err, _ := b.creates.Do(addr, func() (any, error) {
		return b.recentOrCreate(ctx, addr)
	})
	if err != nil {
		return "", "", err
	}
	r := v.(resolved)
	return r.sessionID, r.method, nil
}

type resolved struct {
	sessionID string
	method    string
}

func (b *Bridge) recentOrCreate(ctx context.Context, addr string) (resolved, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.PersistTimeout)
	defer cancel()

	recent, err := b.sessions.FindRecentAutoCreated(ctx, addr, b.opts.AutoSessionWindow)
	if err != nil {
		return resolved{}, fmt.Errorf("find recent session: %w", err)
	}
	if recent != nil {
		telemetry.PairingResolutions.WithLabelValues("recent").Inc()
		return resolved{sessionID: recent.ID, method: "recent"}, nil
	}

	session, err := b.sessions.CreateSession(ctx, service.CreateSessionRequest{
		Hostname:    addr,
		ExpiresIn:   b.opts.SessionExpiry,
		AutoCreated: true,
	})
	if err != nil {
		return resolved{}, fmt.Errorf("auto-create session: %w", err)
	}

	telemetry.SessionAutoCreated()
	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionAutoCreate,
		SessionID: session.ID,
		IP:        addr,
	})

	b.notifier.SessionCreated(session, b.opts.ShareLink(session.ID))

	return resolved{sessionID: session.ID, method: "auto_created"}, nil
}

// bind registers p as the session's socket, evicting any earlier socket for
// the same session or address, and attaches a waiting viewer.
func (b *Bridge) bind(p *pipe) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	var stale []*pipe
	if old := b.pipes[p.sessionID]; old != nil {
		stale = append(stale, old)
	}
	if old := b.byAddr[p.addr]; old != nil && old.sessionID != p.sessionID {
		stale = append(stale, old)
	}
	for _, old := range stale {
		if b.pipes[old.sessionID] == old {
			delete(b.pipes, old.sessionID)
		}
		if b.byAddr[old.addr] == old {
			delete(b.byAddr, old.addr)
		}
	}

	b.pipes[p.sessionID] = p
	b.byAddr[p.addr] = p

	var waiting *viewerSlot
	if v := b.viewers[p.sessionID]; v != nil && v.pipe == nil {
		v.pipe = p
		waiting = v
	}
	b.mu.Unlock()

	for _, old := range stale {
		log.Info().
			Str("sessionId", old.sessionID).
			Str("addr", old.addr).
			Msg("evicting previous stream socket")
		audit.Log(context.Background(), audit.Event{
			Type:      audit.EventStreamEvicted,
			SessionID: old.sessionID,
			IP:        old.addr,
		})
		old.close(ReasonStreamReplaced)
		if old.sessionID != p.sessionID {
			b.streamGone(old.sessionID)
		}
	}

	if waiting != nil {
		if err := p.attach(waiting.conn); err != nil {
			log.Warn().Err(err).Str("sessionId", p.sessionID).Msg("failed to attach waiting viewer")
		}
	}
	return true
}

func (b *Bridge) release(p *pipe) {
	b.mu.Lock()
	current := b.pipes[p.sessionID] == p
	if current {
		delete(b.pipes, p.sessionID)
	}
	if b.byAddr[p.addr] == p {
		delete(b.byAddr, p.addr)
	}
	if v := b.viewers[p.sessionID]; v != nil && v.pipe == p {
		v.pipe = nil
	}
	b.mu.Unlock()

	p.close(ReasonStreamClosed)
	telemetry.StreamUnbound()

	log.Info().
		Str("sessionId", p.sessionID).
		Str("addr", p.addr).
		Bool("evicted", !current).
		Msg("stream socket released")

	if current {
		b.streamGone(p.sessionID)
	}
}

func (b *Bridge) streamGone(sessionID string) {
	b.notifier.StreamGone(sessionID)
}

// ServeViewer binds a viewer channel to sessionID and forwards its frames
// to the legacy socket until the viewer closes. A newer viewer for the same
// session replaces this one.
func (b *Bridge) ServeViewer(ctx context.Context, sessionID string, vc ViewerConn) error {
	if sessionID == "" {
		_ = vc.Close(ReasonMissingSession)
		return ErrNoSession
	}

	slot := &viewerSlot{conn: vc}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = vc.Close(ReasonShutdown)
		return nil
	}
	prev := b.viewers[sessionID]
	var prevPipe *pipe
	if prev != nil {
		prevPipe = prev.pipe
	}
	b.viewers[sessionID] = slot
	p := b.pipes[sessionID]
	slot.pipe = p
	b.mu.Unlock()

	if prev != nil {
		if prevPipe != nil {
			prevPipe.detach(prev.conn)
		}
		_ = prev.conn.Close(ReasonViewerReplaced)
	}

	if p != nil {
		if err := p.attach(vc); err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("failed to attach viewer")
		}
	}

	log.Info().
		Str("sessionId", sessionID).
		Bool("streamBound", p != nil).
		Msg("viewer channel attached")

	stop := context.AfterFunc(ctx, func() { _ = vc.Close(ReasonShutdown) })
	defer stop()

	for {
		data, err := vc.ReadMessage()
		if err != nil {
			break
		}

		b.mu.Lock()
		target := slot.pipe
		b.mu.Unlock()

		if target == nil {
			log.Debug().Str("sessionId", sessionID).Msg("dropping viewer frame, no stream bound")
			continue
		}
		if err := target.writeToSource(data); err != nil {
			log.Debug().Err(err).Str("sessionId", sessionID).Msg("failed to write to stream socket")
		}
	}

	b.mu.Lock()
	current := b.viewers[sessionID] == slot
	var owned *pipe
	if current {
		delete(b.viewers, sessionID)
		owned = slot.pipe
	}
	b.mu.Unlock()

	_ = vc.Close(ReasonStreamClosed)
	if owned != nil {
		owned.close(ReasonStreamClosed)
	}

	log.Info().Str("sessionId", sessionID).Msg("viewer channel closed")
	return nil
}

func (b *Bridge) HasStream(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pipes[sessionID]
	return ok
}

// Sessions lists the sessions with a bound legacy socket.
func (b *Bridge) Sessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.pipes))
	for id := range b.pipes {
		ids = append(ids, id)
	}
	return ids
}

// Close shuts every pipe and viewer and waits for socket handlers to exit.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	pipes := make([]*pipe, 0, len(b.pipes))
	for _, p := range b.pipes {
		pipes = append(pipes, p)
	}
	viewers := make([]ViewerConn, 0, len(b.viewers))
	for _, v := range b.viewers {
		viewers = append(viewers, v.conn)
	}
	b.mu.Unlock()

	for _, p := range pipes {
		p.close(ReasonShutdown)
	}
	for _, v := range viewers {
		_ = v.Close(ReasonShutdown)
	}
	b.wg.Wait()
}
