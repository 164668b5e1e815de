package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gator-threads/internal/models"
)

func TestHubTracksClientsPerThread(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	unsubscribed := 0
	a := NewClient(hub, nil, "t1", "carol")
	a.Unsubscribe = func() { unsubscribed++ }
	b := NewClient(hub, nil, "t1", "dave")
	c := NewClient(hub, nil, "t2", "carol")
	hub.Register <- a
	hub.Register <- b
	hub.Register <- c
	hub.Unregister <- a
	hub.Unregister <- a // second unregister is a no-op

	// Register/Unregister are unbuffered, so the loop has taken both; one
	// more round trip makes sure the last one was applied.
	hub.Register <- NewClient(hub, nil, "t3", "erin")
	assert.Equal(t, 1, hub.Connections("t1"))
	assert.Equal(t, 1, hub.Connections("t2"))
	assert.Equal(t, 1, unsubscribed)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Zero(t, hub.Connections("t1"))
	_, open := <-b.done
	assert.False(t, open)
}

func TestClientNotifyNeverBlocks(t *testing.T) {
	client := NewClient(NewHub(nil), nil, "t1", "carol")

	for range sendBuffer + 10 {
		client.Notify(models.ThreadEvent{ThreadID: "t1", Kind: models.EventPageLoaded})
	}
	assert.Len(t, client.Send, sendBuffer)

	var ev models.ThreadEvent
	require.NoError(t, json.Unmarshal(<-client.Send, &ev))
	assert.Equal(t, models.EventPageLoaded, ev.Kind)

	client.close()
	client.close()
	client.Notify(models.ThreadEvent{ThreadID: "t1", Kind: models.EventRefreshed})
}
