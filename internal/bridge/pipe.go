package bridge

import (
	"errors"
	"net"
	"sync"

	"github.com/openclaw/assist-relay/internal/telemetry"
)

var errPipeClosed = errors.New("bridge: pipe closed")

// ViewerConn is the viewer side of a bridged session. Messages are opaque
// byte frames.
type ViewerConn interface {
	ReadMessage() ([]byte, error)
	WriteBinary(data []byte) error
	Close(reason string) error
}

// pipe is one legacy socket bound to a session. Bytes read before a viewer
// attaches are queued up to limit; beyond that the reader waits.
type pipe struct {
	sessionID string
	addr      string
	conn      net.Conn
	limit     int

	mu       sync.Mutex
	cond     *sync.Cond
	viewer   ViewerConn
	queued   [][]byte
	buffered int
	closed   bool
}

func newPipe(sessionID, addr string, conn net.Conn, limit int) *pipe {
	p := &pipe{sessionID: sessionID, addr: addr, conn: conn, limit: limit}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// deliver forwards one chunk read from the socket to the attached viewer,
// or queues it until one attaches.
func (p *pipe) deliver(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.viewer == nil && !p.closed && p.buffered > 0 && p.buffered+len(chunk) > p.limit {
		p.cond.Wait()
	}
	if p.closed {
		return errPipeClosed
	}
	if p.viewer == nil {
		p.queued = append(p.queued, append([]byte(nil), chunk...))
		p.buffered += len(chunk)
		return nil
	}
	if err := p.viewer.WriteBinary(chunk); err != nil {
		return err
	}
	telemetry.BridgedBytes.WithLabelValues("to_viewer").Add(float64(len(chunk)))
	return nil
}

// attach flushes queued bytes to v, then makes v the forwarding target.
func (p *pipe) attach(v ViewerConn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errPipeClosed
	}
	for _, chunk := range p.queued {
		if err := v.WriteBinary(chunk); err != nil {
			return err
		}
		telemetry.BridgedBytes.WithLabelValues("to_viewer").Add(float64(len(chunk)))
	}
	p.queued = nil
	p.buffered = 0
	p.viewer = v
	p.cond.Broadcast()
	return nil
}

func (p *pipe) detach(v ViewerConn) {
	p.mu.Lock()
	if p.viewer == v {
		p.viewer = nil
	}
	p.mu.Unlock()
}

func (p *pipe) writeToSource(data []byte) error {
	if _, err := p.conn.Write(data); err != nil {
		return err
	}
	telemetry.BridgedBytes.WithLabelValues("to_source").Add(float64(len(data)))
	return nil
}

// close shuts the socket and the attached viewer and drops queued bytes.
// Safe to call more than once.
func (p *pipe) close(reason string) {
	_ = p.conn.Close()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	v := p.viewer
	p.viewer = nil
	p.queued = nil
	p.buffered = 0
	p.cond.Broadcast()
	p.mu.Unlock()

	if v != nil {
		_ = v.Close(reason)
	}
}
