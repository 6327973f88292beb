package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/assist-relay/internal/sse"
)

type sseFrame struct {
	event string
	data  string
}

func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && f.event != "":
			return f
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, query string) (*bufio.Reader, *http.Response, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events"+query, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return bufio.NewReader(resp.Body), resp, cancel
}

func TestEventsHandler_Stream(t *testing.T) {
	broker := sse.NewBroker(nil)
	defer broker.Close()

	mux := http.NewServeMux()
	mux.Handle("/v1/events", NewEventsHandler(broker))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Run("session stream receives session events", func(t *testing.T) {
		reader, resp, cancel := openStream(t, srv, "?sessionId=abc-234-xyz")
		defer cancel()
		defer resp.Body.Close()

		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		connected := readFrame(t, reader)
		assert.Equal(t, "connected", connected.event)
		var data map[string]any
		require.NoError(t, json.Unmarshal([]byte(connected.data), &data))
		assert.Equal(t, "session:ABC-234-XYZ", data["topic"])

		require.Eventually(t, func() bool { return broker.ClientCount("session:ABC-234-XYZ") == 1 }, time.Second, 5*time.Millisecond)
		event, err := sse.NewEvent("stream-ready", map[string]string{"sessionId": "ABC-234-XYZ"})
		require.NoError(t, err)
		require.NoError(t, broker.Publish(context.Background(), "session:ABC-234-XYZ", event))

		got := readFrame(t, reader)
		assert.Equal(t, "stream-ready", got.event)
		assert.JSONEq(t, `{"sessionId":"ABC-234-XYZ"}`, got.data)
	})

	t.Run("lobby stream without session id", func(t *testing.T) {
		reader, resp, cancel := openStream(t, srv, "")
		defer cancel()
		defer resp.Body.Close()

		connected := readFrame(t, reader)
		assert.Contains(t, connected.data, `"topic":"dashboard"`)
	})
}

func TestEventsHandler_sendRawEvent(t *testing.T) {
	handler := &EventsHandler{}
	rec := httptest.NewRecorder()

	err := handler.sendRawEvent(rec, rec, sse.Event{
		Type: "presence-updated",
		Data: json.RawMessage(`{"activeTechnicians":1}`),
	})

	assert.NoError(t, err)
	assert.Equal(t, "event: presence-updated\ndata: {\"activeTechnicians\":1}\n\n", rec.Body.String())
}
