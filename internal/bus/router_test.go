// ABOUTME: Tests for the router: dedup, session routing, dispatch, and relays.
// ABOUTME: Uses a stub backend behind the real registry and handle machinery.

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gorp/internal/agent"
	"github.com/2389/gorp/internal/dedupe"
	"github.com/2389/gorp/internal/dispatch"
	"github.com/2389/gorp/internal/session"
)

// stubBackend streams a fixed reply and counts prompts.
type stubBackend struct {
	prompts atomic.Int64
	loads   atomic.Int64
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) NewSession(context.Context) (string, error) {
	return "stub-session-1", nil
}

func (s *stubBackend) LoadSession(_ context.Context, sessionID string) error {
	s.loads.Add(1)
	return nil
}

func (s *stubBackend) Prompt(_ context.Context, _ string, text string, events chan<- agent.Event) error {
	s.prompts.Add(1)
	events <- agent.TextEvent("thinking about " + text)
	events <- agent.ResultOf("done: "+text, nil, nil)
	return nil
}

func (s *stubBackend) Cancel(context.Context, string) error { return nil }

type routerFixture struct {
	bus     *MessageBus
	store   *session.MockStore
	backend *stubBackend
	cancel  context.CancelFunc
	done    chan struct{}
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	b := New(32, nil)
	store := session.NewMockStore()
	backend := &stubBackend{}

	registry := agent.NewRegistry()
	registry.Register("stub", func(json.RawMessage) (*agent.Handle, error) {
		return agent.NewHandle(backend, nil), nil
	})

	handler := dispatch.NewHandler(store, b, "stub", nil)
	recent := dedupe.New(time.Minute, 100)
	t.Cleanup(recent.Close)

	router := NewRouter(b, recent, registry, store, handler, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = router.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		b.Close()
	})

	return &routerFixture{bus: b, store: store, backend: backend, cancel: cancel, done: done}
}

func recvResponse(t *testing.T, sub <-chan BusResponse) BusResponse {
	t.Helper()
	select {
	case resp := <-sub:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return BusResponse{}
	}
}

func TestRouter_SessionMessageStreamsResponses(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateChannel(ctx, "research", "!room:x", "stub")
	require.NoError(t, err)

	sub := f.bus.Subscribe("matrix")
	src := PlatformSource{Platform: "matrix", Channel: "!room:x"}
	f.bus.PublishInbound(NewBusMessage(src, SessionNamed("research"), "alice", "hi"))

	chunk := recvResponse(t, sub)
	assert.Equal(t, "research", chunk.SessionName)
	assert.Equal(t, ResponseChunk, chunk.Content.Kind)
	assert.Equal(t, "thinking about hi", chunk.Content.Text)

	complete := recvResponse(t, sub)
	assert.Equal(t, ResponseComplete, complete.Content.Kind)
	assert.Equal(t, "done: hi", complete.Content.Text)

	// First use establishes the session and persists it.
	c, err := f.store.GetByName(ctx, "research")
	require.NoError(t, err)
	assert.True(t, c.Started)
	assert.Equal(t, "stub-session-1", c.SessionID)
}

func TestRouter_DuplicateIDsRouteOnePrompt(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateChannel(ctx, "research", "!room:x", "stub")
	require.NoError(t, err)

	sub := f.bus.Subscribe("matrix")
	src := PlatformSource{Platform: "matrix", Channel: "!room:x"}
	msg := NewBusMessage(src, SessionNamed("research"), "alice", "once")

	f.bus.PublishInbound(msg)
	f.bus.PublishInbound(msg) // identical ID, must be dropped

	recvResponse(t, sub) // chunk
	recvResponse(t, sub) // complete

	// Give the router a moment to (incorrectly) process the duplicate.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), f.backend.prompts.Load())

	select {
	case extra := <-sub:
		t.Fatalf("unexpected response from duplicate: %+v", extra)
	default:
	}
}

func TestRouter_DistinctIDsRouteSeparately(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateChannel(ctx, "research", "!room:x", "stub")
	require.NoError(t, err)

	sub := f.bus.Subscribe("matrix")
	src := PlatformSource{Platform: "matrix", Channel: "!room:x"}
	for i := 0; i < 2; i++ {
		f.bus.PublishInbound(NewBusMessage(src, SessionNamed("research"), "alice", fmt.Sprintf("msg %d", i)))
	}

	for i := 0; i < 4; i++ { // two chunks, two completes
		recvResponse(t, sub)
	}
	assert.Equal(t, int64(2), f.backend.prompts.Load())
}

func TestRouter_DispatchMessageGetsNotice(t *testing.T) {
	f := newRouterFixture(t)

	sub := f.bus.Subscribe("matrix")
	src := PlatformSource{Platform: "matrix", Channel: "!unmapped:x"}
	f.bus.PublishInbound(NewBusMessage(src, Dispatch, "alice", "!list"))

	resp := recvResponse(t, sub)
	assert.Equal(t, "dispatch", resp.SessionName)
	assert.Equal(t, ResponseNotice, resp.Content.Kind)
	assert.Contains(t, resp.Content.Text, "No channels yet")
}

func TestRouter_DispatchCreateBindsChannel(t *testing.T) {
	f := newRouterFixture(t)

	sub := f.bus.Subscribe("matrix")
	src := PlatformSource{Platform: "matrix", Channel: "!room:x"}
	f.bus.PublishInbound(NewBusMessage(src, Dispatch, "alice", "!create research"))

	notice := recvResponse(t, sub)
	assert.Contains(t, notice.Content.Text, "created")

	// The channel is now bound: the next message routes to the session.
	target := f.bus.ResolveTarget(src)
	require.Equal(t, SessionNamed("research"), target)

	f.bus.PublishInbound(NewBusMessage(src, target, "alice", "hello agent"))
	chunk := recvResponse(t, sub)
	assert.Equal(t, ResponseChunk, chunk.Content.Kind)
	complete := recvResponse(t, sub)
	assert.Equal(t, "done: hello agent", complete.Content.Text)
}

func TestRouter_UnknownChannelRecordYieldsError(t *testing.T) {
	f := newRouterFixture(t)

	sub := f.bus.Subscribe("matrix")
	src := PlatformSource{Platform: "matrix", Channel: "!room:x"}
	f.bus.PublishInbound(NewBusMessage(src, SessionNamed("ghost"), "alice", "hi"))

	resp := recvResponse(t, sub)
	assert.Equal(t, ResponseError, resp.Content.Kind)
	assert.Contains(t, resp.Content.Text, `"ghost" unavailable`)
}

// blockingBackend holds every prompt open until released.
type blockingBackend struct {
	release chan struct{}
}

func (b *blockingBackend) Name() string { return "slow" }

func (b *blockingBackend) NewSession(context.Context) (string, error) {
	return "slow-session-1", nil
}

func (b *blockingBackend) LoadSession(context.Context, string) error { return nil }

func (b *blockingBackend) Prompt(ctx context.Context, _ string, text string, events chan<- agent.Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case events <- agent.ResultOf("done: "+text, nil, nil):
	case <-ctx.Done():
	}
	return nil
}

func (b *blockingBackend) Cancel(context.Context, string) error { return nil }

func TestRouter_BusySessionDoesNotStallOthers(t *testing.T) {
	b := New(32, nil)
	store := session.NewMockStore()
	slow := &blockingBackend{release: make(chan struct{})}
	fast := &stubBackend{}

	registry := agent.NewRegistry()
	registry.Register("slow", func(json.RawMessage) (*agent.Handle, error) {
		return agent.NewHandle(slow, nil), nil
	})
	registry.Register("stub", func(json.RawMessage) (*agent.Handle, error) {
		return agent.NewHandle(fast, nil), nil
	})

	handler := dispatch.NewHandler(store, b, "stub", nil)
	recent := dedupe.New(time.Minute, 100)
	t.Cleanup(recent.Close)

	router := NewRouter(b, recent, registry, store, handler, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = router.Run(ctx)
	}()
	t.Cleanup(func() {
		close(slow.release)
		cancel()
		<-done
		b.Close()
	})

	cctx := context.Background()
	_, err := store.CreateChannel(cctx, "busy", "!busy:x", "slow")
	require.NoError(t, err)
	_, err = store.CreateChannel(cctx, "idle", "!idle:x", "stub")
	require.NoError(t, err)

	sub := b.Subscribe("matrix")
	busySrc := PlatformSource{Platform: "matrix", Channel: "!busy:x"}
	idleSrc := PlatformSource{Platform: "matrix", Channel: "!idle:x"}

	// Two messages to the busy session: the first prompt blocks inside the
	// backend, the second queues behind it at the handle's owner.
	f1 := NewBusMessage(busySrc, SessionNamed("busy"), "alice", "one")
	f2 := NewBusMessage(busySrc, SessionNamed("busy"), "alice", "two")
	b.PublishInbound(f1)
	b.PublishInbound(f2)

	b.PublishInbound(NewBusMessage(idleSrc, SessionNamed("idle"), "bob", "ping"))

	// The idle session must answer while the busy session is still blocked;
	// anything the subscriber sees before that must not come from "busy".
	for {
		resp := recvResponse(t, sub)
		require.Equal(t, "idle", resp.SessionName)
		if resp.Content.Kind == ResponseComplete {
			assert.Equal(t, "done: ping", resp.Content.Text)
			break
		}
	}
}

func TestRouter_ResumesStartedChannel(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	c, err := f.store.CreateChannel(ctx, "research", "!room:x", "stub")
	require.NoError(t, err)
	require.NoError(t, f.store.MarkStarted(ctx, "!room:x"))

	sub := f.bus.Subscribe("matrix")
	src := PlatformSource{Platform: "matrix", Channel: "!room:x"}
	f.bus.PublishInbound(NewBusMessage(src, SessionNamed("research"), "alice", "hi"))

	recvResponse(t, sub)
	recvResponse(t, sub)

	assert.Equal(t, int64(1), f.backend.loads.Load(), "started channel should be resumed")

	// Session id is unchanged by a resume.
	after, err := f.store.GetByName(ctx, "research")
	require.NoError(t, err)
	assert.Equal(t, c.SessionID, after.SessionID)
}
