package handler

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/assist-relay/internal/bridge"
	"github.com/openclaw/assist-relay/internal/config"
	"github.com/openclaw/assist-relay/internal/hub"
)

const endpointSendBuffer = 64

var errEndpointClosed = errors.New("websocket endpoint closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// wsEndpoint is a signaling connection. Outbound messages queue on send and
// a single writer goroutine drains them, so Send never blocks the hub.
type wsEndpoint struct {
	id     string
	conn   *websocket.Conn
	send   chan hub.Message
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newWSEndpoint(conn *websocket.Conn) *wsEndpoint {
	return &wsEndpoint{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan hub.Message, endpointSendBuffer),
		done: make(chan struct{}),
	}
}

func (e *wsEndpoint) ID() string { return e.id }

func (e *wsEndpoint) Send(msg hub.Message) error {
	if e.closed.Load() {
		return errEndpointClosed
	}
	select {
	case e.send <- msg:
		return nil
	default:
		log.Warn().Str("endpointId", e.id).Msg("signaling endpoint too slow, closing")
		go e.Close()
		return errEndpointClosed
	}
}

func (e *wsEndpoint) Close() error {
	e.once.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
	return nil
}

// writePump owns every write to the connection and closes it on exit.
func (e *wsEndpoint) writePump() {
	ticker := time.NewTicker(config.WSPingInterval)
	defer func() {
		ticker.Stop()
		_ = e.conn.Close()
	}()

	for {
		select {
		case msg := <-e.send:
			_ = e.conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
			if err := e.conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("endpointId", e.id).Msg("signaling write failed")
				return
			}

		case <-ticker.C:
			_ = e.conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
			if err := e.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-e.done:
			_ = e.conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
			_ = e.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// wsViewer carries opaque stream bytes between a dashboard and the bridge.
type wsViewer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

var _ bridge.ViewerConn = (*wsViewer)(nil)

func newWSViewer(conn *websocket.Conn) *wsViewer {
	conn.SetReadDeadline(time.Now().Add(config.WSPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.WSPongTimeout))
	})
	return &wsViewer{conn: conn}
}

func (v *wsViewer) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := v.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = v.conn.SetReadDeadline(time.Now().Add(config.WSPongTimeout))
		if kind == websocket.BinaryMessage || kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (v *wsViewer) WriteBinary(data []byte) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	_ = v.conn.SetWriteDeadline(time.Now().Add(config.WSWriteTimeout))
	return v.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (v *wsViewer) ping() error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	return v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteTimeout))
}

func (v *wsViewer) Close(reason string) error {
	v.once.Do(func() {
		code := websocket.CloseNormalClosure
		if reason == bridge.ReasonMissingSession {
			code = websocket.ClosePolicyViolation
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = v.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = v.conn.Close()
	})
	return nil
}
