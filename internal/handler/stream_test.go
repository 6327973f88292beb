package handler

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/assist-relay/internal/bridge"
)

// echoBridge echoes one frame back to the viewer, prefixed by the session id.
type echoBridge struct {
	real *bridge.Bridge
}

func (b *echoBridge) ServeViewer(ctx context.Context, sessionID string, vc bridge.ViewerConn) error {
	if sessionID == "" {
		return b.real.ServeViewer(ctx, sessionID, vc)
	}
	data, err := vc.ReadMessage()
	if err != nil {
		return nil
	}
	if err := vc.WriteBinary(append([]byte(sessionID+":"), data...)); err != nil {
		return err
	}
	return vc.Close(bridge.ReasonStreamClosed)
}

func newStreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := NewStreamHandler(&echoBridge{real: bridge.New(nil, nil, nil, bridge.Options{})})

	r := chi.NewRouter()
	r.Get("/stream", h.ServeHTTP)
	r.Get("/stream/{sessionId}", h.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialStream(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	return conn
}

func TestStreamHandler_SessionFromPathOrQuery(t *testing.T) {
	srv := newStreamServer(t)

	for _, path := range []string{"/stream/abc-234-xyz", "/stream?sessionId=ABC-234-XYZ"} {
		t.Run(path, func(t *testing.T) {
			conn := dialStream(t, srv, path)
			require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("hi")))

			kind, data, err := conn.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, websocket.BinaryMessage, kind)
			assert.Equal(t, "ABC-234-XYZ:hi", string(data))
		})
	}
}

func TestStreamHandler_MissingSessionClosesWithPolicyViolation(t *testing.T) {
	srv := newStreamServer(t)
	conn := dialStream(t, srv, "/stream")

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Contains(t, err.Error(), bridge.ReasonMissingSession)
}
