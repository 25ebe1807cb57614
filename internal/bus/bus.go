// ABOUTME: Bounded-queue message bus connecting gateway adapters to the router.
// ABOUTME: Holds the channel-to-session binding table, the one guarded shared map.

package bus

import (
	"log/slog"
	"sync"
)

// DefaultCapacity bounds the inbound queue and each subscriber queue when no
// capacity is configured.
const DefaultCapacity = 256

type bindingKey struct {
	platformID string
	channelID  string
}

// Binding maps one platform channel to a session name.
type Binding struct {
	PlatformID  string
	ChannelID   string
	SessionName string
}

// MessageBus carries inbound messages from adapters to the router and
// outbound responses from the router back to adapters. All queues are
// bounded; a full queue drops with a warning rather than blocking the
// publisher, so one slow consumer cannot stall the others.
type MessageBus struct {
	logger   *slog.Logger
	capacity int

	inbound chan BusMessage

	bindMu   sync.RWMutex
	bindings map[bindingKey]string

	subMu       sync.RWMutex
	subscribers map[string]chan BusResponse

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New creates a bus whose queues hold up to capacity messages each. A
// capacity of zero or less falls back to DefaultCapacity.
func New(capacity int, logger *slog.Logger) *MessageBus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageBus{
		logger:      logger.With("component", "bus"),
		capacity:    capacity,
		inbound:     make(chan BusMessage, capacity),
		bindings:    make(map[bindingKey]string),
		subscribers: make(map[string]chan BusResponse),
	}
}

// PublishInbound enqueues a message for the router. When the queue is full
// the oldest queued message is dropped to make room, so adapters never block
// on a stalled router. Messages published after Close are dropped; adapter
// read loops can outlive the bus during shutdown.
func (b *MessageBus) PublishInbound(msg BusMessage) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	if b.closed {
		b.logger.Warn("bus closed, dropping inbound message",
			"id", msg.ID,
			"platform", msg.Source.PlatformID())
		return
	}

	for {
		select {
		case b.inbound <- msg:
			return
		default:
		}
		select {
		case dropped := <-b.inbound:
			b.logger.Warn("inbound queue full, dropping oldest message",
				"dropped_id", dropped.ID,
				"platform", dropped.Source.PlatformID())
		default:
		}
	}
}

// Inbound returns the queue the router consumes. The channel is closed by
// Close.
func (b *MessageBus) Inbound() <-chan BusMessage {
	return b.inbound
}

// Subscribe registers an outbound queue for the given platform and returns
// it. Subscribing again for the same platform replaces the previous queue
// and closes it.
func (b *MessageBus) Subscribe(platformID string) <-chan BusResponse {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if old, ok := b.subscribers[platformID]; ok {
		close(old)
	}
	ch := make(chan BusResponse, b.capacity)
	b.subscribers[platformID] = ch
	return ch
}

// Unsubscribe removes and closes the platform's outbound queue.
func (b *MessageBus) Unsubscribe(platformID string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if ch, ok := b.subscribers[platformID]; ok {
		close(ch)
		delete(b.subscribers, platformID)
	}
}

// Deliver sends a response to the platform's outbound queue. Responses to
// platforms with no subscriber, or with a full queue, are dropped with a
// warning.
func (b *MessageBus) Deliver(platformID string, resp BusResponse) {
	b.subMu.RLock()
	ch, ok := b.subscribers[platformID]
	b.subMu.RUnlock()

	if !ok {
		b.logger.Warn("no subscriber for platform, dropping response",
			"platform", platformID,
			"session", resp.SessionName)
		return
	}

	select {
	case ch <- resp:
	default:
		b.logger.Warn("outbound queue full, dropping response",
			"platform", platformID,
			"session", resp.SessionName)
	}
}

// ResolveTarget maps a message source to its routing target. A channel with
// no binding resolves to Dispatch.
func (b *MessageBus) ResolveTarget(source MessageSource) SessionTarget {
	b.bindMu.RLock()
	defer b.bindMu.RUnlock()

	key := bindingKey{platformID: source.PlatformID(), channelID: source.ChannelID()}
	if name, ok := b.bindings[key]; ok {
		return SessionNamed(name)
	}
	return Dispatch
}

// Bind maps a platform channel to a session name, replacing any previous
// binding for that channel.
func (b *MessageBus) Bind(platformID, channelID, sessionName string) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	b.bindings[bindingKey{platformID: platformID, channelID: channelID}] = sessionName
}

// Unbind removes the binding for a platform channel, if any.
func (b *MessageBus) Unbind(platformID, channelID string) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	delete(b.bindings, bindingKey{platformID: platformID, channelID: channelID})
}

// BindingsForSession lists the bindings pointing at a session.
func (b *MessageBus) BindingsForSession(sessionName string) []Binding {
	b.bindMu.RLock()
	defer b.bindMu.RUnlock()

	var out []Binding
	for key, name := range b.bindings {
		if name == sessionName {
			out = append(out, Binding{
				PlatformID:  key.platformID,
				ChannelID:   key.channelID,
				SessionName: name,
			})
		}
	}
	return out
}

// UnbindSession removes every binding pointing at a session.
func (b *MessageBus) UnbindSession(sessionName string) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	for key, name := range b.bindings {
		if name == sessionName {
			delete(b.bindings, key)
		}
	}
}

// LoadBindings bulk-loads bindings, typically from the session store at
// startup.
func (b *MessageBus) LoadBindings(bindings []Binding) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	for _, binding := range bindings {
		key := bindingKey{platformID: binding.PlatformID, channelID: binding.ChannelID}
		b.bindings[key] = binding.SessionName
	}
}

// Close shuts the inbound queue and every subscriber queue. Safe to call
// more than once.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() {
		b.closeMu.Lock()
		b.closed = true
		b.closeMu.Unlock()

		close(b.inbound)

		b.subMu.Lock()
		defer b.subMu.Unlock()
		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
		}
	})
}
