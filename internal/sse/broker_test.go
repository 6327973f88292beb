package sse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_LocalDelivery(t *testing.T) {
	t.Run("delivers to subscribers of the topic only", func(t *testing.T) {
		b := NewBroker(nil)
		defer b.Close()

		a := b.Subscribe("session:ABC-234-XYZ")
		other := b.Subscribe("session:DEF-234-UVW")

		event, err := NewEvent("stream-ready", map[string]string{"sessionId": "ABC-234-XYZ"})
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), "session:ABC-234-XYZ", event))

		select {
		case got := <-a.Events:
			assert.Equal(t, "stream-ready", got.Type)
			var data map[string]string
			require.NoError(t, json.Unmarshal(got.Data, &data))
			assert.Equal(t, "ABC-234-XYZ", data["sessionId"])
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}

		select {
		case <-other.Events:
			t.Fatal("event leaked to another topic")
		default:
		}
	})

	t.Run("unsubscribe closes done and is idempotent", func(t *testing.T) {
		b := NewBroker(nil)
		c := b.Subscribe("dashboard")
		assert.Equal(t, 1, b.ClientCount("dashboard"))

		b.Unsubscribe(c)
		b.Unsubscribe(c)

		_, open := <-c.Done
		assert.False(t, open)
		assert.Equal(t, 0, b.TotalClients())
	})

	t.Run("full buffer drops instead of blocking", func(t *testing.T) {
		b := NewBroker(nil)
		defer b.Close()
		c := b.Subscribe("dashboard")

		for i := 0; i < clientBufferSize+10; i++ {
			require.NoError(t, b.Publish(context.Background(), "dashboard", Event{Type: "presence-updated"}))
		}
		assert.Len(t, c.Events, clientBufferSize)
	})
}
