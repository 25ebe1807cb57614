// ABOUTME: Tests for the WebSocket adapter over an httptest server.
// ABOUTME: Verifies inbound publishing, response broadcasting, and HTML rendering.

package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gorp/internal/bus"
)

func dialTestAdapter(t *testing.T) (*WebAdapter, *bus.MessageBus, *websocket.Conn) {
	t.Helper()

	b := bus.New(32, nil)
	adapter := NewWebAdapter(":0", nil)
	adapter.bus = b

	ctx, cancel := context.WithCancel(context.Background())
	responses := b.Subscribe(WebPlatformID)
	go adapter.outboundLoop(ctx, responses)

	srv := httptest.NewServer(adapter.Handler())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		srv.Close()
		b.Close()
	})
	return adapter, b, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) outboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame outboundFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWebAdapter_InboundMessagePublished(t *testing.T) {
	_, b, conn := dialTestAdapter(t)

	require.NoError(t, conn.WriteJSON(inboundFrame{Body: "!list"}))

	select {
	case msg := <-b.Inbound():
		assert.Equal(t, "web", msg.Source.PlatformID())
		assert.Equal(t, "!list", msg.Body)
		assert.True(t, msg.Target.IsDispatch(), "unbound connection routes to dispatch")
		assert.True(t, strings.HasPrefix(msg.Sender, "web:"))
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestWebAdapter_BoundConnectionRoutesToSession(t *testing.T) {
	adapter, b, conn := dialTestAdapter(t)

	// Find the connection id the adapter assigned.
	adapter.mu.RLock()
	var connID string
	for id := range adapter.conns {
		connID = id
	}
	adapter.mu.RUnlock()
	require.NotEmpty(t, connID)

	b.Bind(WebPlatformID, connID, "research")
	require.NoError(t, conn.WriteJSON(inboundFrame{Body: "hello"}))

	select {
	case msg := <-b.Inbound():
		assert.Equal(t, bus.SessionNamed("research"), msg.Target)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestWebAdapter_BroadcastsResponses(t *testing.T) {
	_, b, conn := dialTestAdapter(t)

	b.Deliver(WebPlatformID, bus.NewResponse("research", bus.Chunk("partial")))
	frame := readFrame(t, conn)
	assert.Equal(t, "chunk", frame.Type)
	assert.Equal(t, "research", frame.Session)
	assert.Equal(t, "partial", frame.Text)
	assert.Empty(t, frame.HTML)
}

func TestWebAdapter_CompleteRendersMarkdown(t *testing.T) {
	_, b, conn := dialTestAdapter(t)

	b.Deliver(WebPlatformID, bus.NewResponse("research", bus.Complete("**done**")))
	frame := readFrame(t, conn)
	assert.Equal(t, "complete", frame.Type)
	assert.Contains(t, frame.HTML, "<strong>done</strong>")
}

func TestWebAdapter_EmptyAndMalformedFramesIgnored(t *testing.T) {
	_, b, conn := dialTestAdapter(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(inboundFrame{Body: "   "}))
	require.NoError(t, conn.WriteJSON(inboundFrame{Body: "real"}))

	select {
	case msg := <-b.Inbound():
		assert.Equal(t, "real", msg.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestWebAdapter_SendTargetsOneConnection(t *testing.T) {
	adapter, _, conn := dialTestAdapter(t)

	adapter.mu.RLock()
	var connID string
	for id := range adapter.conns {
		connID = id
	}
	adapter.mu.RUnlock()

	require.NoError(t, adapter.Send(context.Background(), connID, "heads up"))
	frame := readFrame(t, conn)
	assert.Equal(t, "notice", frame.Type)
	assert.Equal(t, "heads up", frame.Text)

	err := adapter.Send(context.Background(), "no-such-conn", "hi")
	assert.Error(t, err)
}

func TestWebAdapter_SendRacesConnectionDrop(t *testing.T) {
	adapter := NewWebAdapter(":0", nil)

	for i := 0; i < 50; i++ {
		wc := &webConn{id: "conn", send: make(chan []byte, 1)}
		adapter.mu.Lock()
		adapter.conns[wc.id] = wc
		adapter.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = adapter.Send(context.Background(), "conn", "notice")
			}
		}()
		go func() {
			defer wg.Done()
			adapter.dropConn("conn")
		}()
		wg.Wait()

		err := adapter.Send(context.Background(), "conn", "after drop")
		assert.Error(t, err)
	}
}
