// ABOUTME: Router connecting inbound bus messages to agent sessions and dispatch.
// ABOUTME: Dedupes by message ID, lazily creates handles, and relays event streams.

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/gorp/internal/agent"
	"github.com/2389/gorp/internal/dedupe"
	"github.com/2389/gorp/internal/dispatch"
	"github.com/2389/gorp/internal/session"
)

// BackendConfigFunc supplies the raw configuration for a backend kind when
// the router lazily creates a handle for a channel.
type BackendConfigFunc func(backendType string) json.RawMessage

// liveSession is a channel's running agent state: the handle owning its
// backend plus the session id prompts are issued against.
type liveSession struct {
	handle    *agent.Handle
	sessionID string
}

// Router consumes the bus's inbound queue. Each message is deduplicated,
// resolved to either the dispatch handler or a named agent session, and the
// resulting event stream is relayed back to the originating adapter as
// BusResponses.
type Router struct {
	bus      *MessageBus
	recent   *dedupe.Cache
	registry *agent.Registry
	store    session.Store
	dispatch *dispatch.Handler
	cfgFor   BackendConfigFunc
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
	closed   bool

	relays sync.WaitGroup
}

// errRouterClosed fails session preparation racing with shutdown.
var errRouterClosed = errors.New("router is shutting down")

// NewRouter wires a router to its collaborators. cfgFor may be nil when
// every backend kind works with an empty configuration.
func NewRouter(b *MessageBus, recent *dedupe.Cache, registry *agent.Registry, store session.Store, handler *dispatch.Handler, cfgFor BackendConfigFunc, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfgFor == nil {
		cfgFor = func(string) json.RawMessage { return json.RawMessage(`{}`) }
	}
	return &Router{
		bus:      b,
		recent:   recent,
		registry: registry,
		store:    store,
		dispatch: handler,
		cfgFor:   cfgFor,
		logger:   logger.With("component", "router"),
		sessions: make(map[string]*liveSession),
	}
}

// Run consumes inbound messages until ctx is cancelled or the bus closes.
// On return every live handle has been closed and all relays have drained.
func (r *Router) Run(ctx context.Context) error {
	defer r.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.bus.Inbound():
			if !ok {
				return nil
			}
			r.route(ctx, msg)
		}
	}
}

func (r *Router) route(ctx context.Context, msg BusMessage) {
	if r.recent.Seen(msg.ID) {
		r.logger.Debug("dropping duplicate message", "id", msg.ID)
		return
	}

	if msg.Target.IsDispatch() {
		reply := r.dispatch.Handle(ctx, msg.Source.PlatformID(), msg.Source.ChannelID(), msg.Sender, msg.Body)
		r.bus.Deliver(msg.Source.PlatformID(), NewResponse("dispatch", SystemNotice(reply)))
		return
	}

	// Each session message gets its own goroutine so a slow prompt on one
	// session never holds up routing for the others. Prompts to the same
	// session serialize at its handle's owner.
	r.relays.Add(1)
	go func() {
		defer r.relays.Done()
		r.promptSession(ctx, msg)
	}()
}

func (r *Router) promptSession(ctx context.Context, msg BusMessage) {
	name := msg.Target.Name
	live, err := r.ensureSession(ctx, name)
	if err != nil {
		r.logger.Error("failed to prepare session", "session", name, "error", err)
		r.bus.Deliver(msg.Source.PlatformID(),
			NewResponse(name, ErrorText(fmt.Sprintf("Session %q unavailable: %v", name, err))))
		return
	}

	stream, err := live.handle.Prompt(ctx, live.sessionID, msg.Body)
	if err != nil {
		r.logger.Error("prompt failed", "session", name, "error", err)
		if errors.Is(err, agent.ErrBackendClosed) {
			r.dropSession(name)
		}
		r.bus.Deliver(msg.Source.PlatformID(),
			NewResponse(name, ErrorText(fmt.Sprintf("Prompt failed: %v", err))))
		return
	}

	r.relay(ctx, msg.Source.PlatformID(), name, stream)
}

// ensureSession returns the channel's live session, creating the handle and
// establishing the backend session on first use.
func (r *Router) ensureSession(ctx context.Context, name string) (*liveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errRouterClosed
	}
	if live, ok := r.sessions[name]; ok {
		return live, nil
	}

	channel, err := r.store.GetByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading channel record: %w", err)
	}

	handle, err := r.registry.Create(channel.BackendType, r.cfgFor(channel.BackendType))
	if err != nil {
		return nil, fmt.Errorf("creating %q backend: %w", channel.BackendType, err)
	}

	live := &liveSession{handle: handle}
	resumed := false
	if channel.Started {
		if err := handle.LoadSession(ctx, channel.SessionID); err != nil {
			// The record may point at a session the backend lost; fall
			// back to a fresh one rather than wedging the channel.
			r.logger.Warn("resume failed, starting fresh session",
				"session", name, "session_id", channel.SessionID, "error", err)
		} else {
			live.sessionID = channel.SessionID
			resumed = true
		}
	}
	if !resumed {
		id, err := handle.NewSession(ctx)
		if err != nil {
			handle.Close()
			return nil, fmt.Errorf("creating session: %w", err)
		}
		live.sessionID = id
		if err := r.store.UpdateSessionID(ctx, name, id); err != nil {
			r.logger.Warn("failed to persist session id", "session", name, "error", err)
		}
		if err := r.store.MarkStarted(ctx, channel.RoomID); err != nil {
			r.logger.Warn("failed to mark channel started", "session", name, "error", err)
		}
	}

	r.sessions[name] = live
	r.logger.Info("session ready",
		"session", name,
		"backend", channel.BackendType,
		"session_id", live.sessionID)
	return live, nil
}

// dropSession forgets a live session so the next message recreates it.
func (r *Router) dropSession(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if live, ok := r.sessions[name]; ok {
		live.handle.Close()
		delete(r.sessions, name)
	}
}

// relay translates one prompt's event stream into BusResponses for the
// originating platform. Intermediate events collapse to chunks; terminal
// events become Complete or Error; session lifecycle events become system
// notices plus a store update.
func (r *Router) relay(ctx context.Context, platformID, name string, stream *agent.EventStream) {
	for {
		ev, ok := stream.RecvContext(ctx)
		if !ok {
			return
		}

		switch ev.Kind {
		case agent.KindText:
			r.bus.Deliver(platformID, NewResponse(name, Chunk(ev.Text)))

		case agent.KindToolStart:
			r.bus.Deliver(platformID, NewResponse(name,
				Chunk(fmt.Sprintf("🔧 Running %s...", ev.ToolStart.Name))))

		case agent.KindToolProgress:
			// Progress payloads are backend-specific; surface presence only.
			r.bus.Deliver(platformID, NewResponse(name, Chunk("⏳ working...")))

		case agent.KindToolEnd:
			mark := "✅"
			if !ev.ToolEnd.Success {
				mark = "⚠️"
			}
			r.bus.Deliver(platformID, NewResponse(name,
				Chunk(fmt.Sprintf("%s %s finished", mark, ev.ToolEnd.Name))))

		case agent.KindResult:
			r.bus.Deliver(platformID, NewResponse(name, Complete(ev.Result.Text)))

		case agent.KindError:
			r.bus.Deliver(platformID, NewResponse(name, ErrorText(ev.Error.Message)))
			if !ev.Error.Recoverable {
				r.dropSession(name)
			}

		case agent.KindSessionInvalid:
			r.logger.Warn("session invalidated", "session", name, "reason", ev.SessionInvalid.Reason)
			r.dropSession(name)
			r.bus.Deliver(platformID, NewResponse(name,
				SystemNotice(fmt.Sprintf("Session reset: %s. The next message starts fresh.", ev.SessionInvalid.Reason))))

		case agent.KindSessionChanged:
			newID := ev.SessionChanged.NewSessionID
			r.adoptSessionID(ctx, name, newID)
			r.bus.Deliver(platformID, NewResponse(name,
				SystemNotice(fmt.Sprintf("Session rotated to %s.", newID))))

		case agent.KindCustom:
			r.logger.Debug("custom event", "session", name, "kind", ev.Custom.Kind)

		default:
			r.logger.Warn("unhandled event kind", "session", name, "kind", ev.Kind)
		}
	}
}

// adoptSessionID records a backend-initiated session rotation in memory and
// in the store.
func (r *Router) adoptSessionID(ctx context.Context, name, newID string) {
	r.mu.Lock()
	if live, ok := r.sessions[name]; ok {
		live.sessionID = newID
	}
	r.mu.Unlock()

	if err := r.store.UpdateSessionID(ctx, name, newID); err != nil {
		r.logger.Warn("failed to persist rotated session id", "session", name, "error", err)
	}
}

// shutdown closes every live handle and waits for relays to drain.
func (r *Router) shutdown() {
	r.mu.Lock()
	r.closed = true
	for name, live := range r.sessions {
		live.handle.Close()
		delete(r.sessions, name)
	}
	r.mu.Unlock()

	r.relays.Wait()
	r.logger.Info("router stopped")
}
