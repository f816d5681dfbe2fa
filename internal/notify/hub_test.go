package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorev/paddock/pkg/types"
)

// mockClient stands in for a websocket connection.
type mockClient struct {
	send   chan []byte
	closed chan struct{}
}

func newMockClient(buffer int) *mockClient {
	return &mockClient{send: make(chan []byte, buffer), closed: make(chan struct{})}
}

func (c *mockClient) sendChannel() chan []byte { return c.send }
func (c *mockClient) closeConn()               { close(c.closed) }

func sampleAggregates() []types.AggregatedEvent {
	return []types.AggregatedEvent{{
		Fingerprint:   "abc123",
		Kind:          types.EventError,
		Count:         12,
		DistinctUsers: 4,
		Sample:        "failed to load pricing",
	}}
}

func TestHubBroadcastsFlushes(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	client := newMockClient(1)
	hub.register <- client

	hub.NotifyAggregates(context.Background(), "critical", sampleAggregates())

	select {
	case msg := <-client.send:
		assert.Contains(t, string(msg), `"type":"aggregate_flush"`)
		assert.Contains(t, string(msg), `"trigger":"critical"`)
		assert.Contains(t, string(msg), "abc123")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
}

func TestHubEvictsSlowClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	slow := newMockClient(1)
	fast := newMockClient(8)
	hub.register <- slow
	hub.register <- fast

	// The slow client's buffer holds one message; the second broadcast
	// cannot be queued and evicts it.
	hub.NotifyAggregates(context.Background(), "scheduled", sampleAggregates())
	hub.NotifyAggregates(context.Background(), "scheduled", sampleAggregates())

	for i := 0; i < 2; i++ {
		select {
		case _, ok := <-fast.send:
			require.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for broadcast")
		}
	}

	// Eviction closes the slow client's channel after its buffered message.
	<-slow.send
	select {
	case _, ok := <-slow.send:
		assert.False(t, ok, "slow client channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for slow client eviction")
	}
}

func TestHubUnregisterClosesChannel(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	client := newMockClient(1)
	hub.register <- client
	hub.unregister <- client

	select {
	case _, ok := <-client.send:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unregister")
	}
}

func TestHubStopClosesConnections(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := newMockClient(1)
	hub.register <- client

	// Make sure the register landed before stopping.
	time.Sleep(10 * time.Millisecond)
	hub.Stop()

	select {
	case <-client.closed:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection close on stop")
	}
}

func TestPumpExitsAfterStop(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := &wsClient{hub: hub, send: make(chan []byte, 1)}
	hub.register <- client
	hub.Stop()

	// Stop closed the send channel; the pump must still exit even though
	// nothing receives unregisters anymore.
	done := make(chan struct{})
	go func() {
		client.writePump()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for write pump to exit after stop")
	}
}

func TestNotifyAggregatesNeverBlocks(t *testing.T) {
	hub := NewHub() // Run never started: broadcasts pile into the buffer
	for i := 0; i < 300; i++ {
		hub.NotifyAggregates(context.Background(), "scheduled", sampleAggregates())
	}
	// Reaching here without deadlock is the assertion.
}
