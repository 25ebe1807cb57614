// ABOUTME: Handle is the shareable, cancellable bridge over one backend instance.
// ABOUTME: A single owner goroutine holds the backend; callers talk to it over channels.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

const (
	// commandBuffer bounds the queue of pending operations per handle.
	commandBuffer = 32
	// eventBuffer bounds the per-prompt event channel between the owner
	// and the stream consumer.
	eventBuffer = 2048
)

// ErrBackendClosed is returned by every Handle operation once the owner
// goroutine has terminated. It classifies as CodeBackendError: callers get
// a fast failure instead of an indefinite hang.
var ErrBackendClosed = errors.New("backend worker closed")

// ClassifyErr maps an operation error to an ErrorCode for event reporting.
func ClassifyErr(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeUnknown
	case errors.Is(err, ErrBackendClosed):
		return CodeBackendError
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeBackendError
	}
}

type commandKind int

const (
	cmdNewSession commandKind = iota
	cmdLoadSession
	cmdPrompt
	cmdCancel
	cmdAbandon
)

type cmdResult struct {
	value string
	err   error
}

type command struct {
	kind      commandKind
	sessionID string
	text      string
	events    chan Event     // prompt only
	reply     chan cmdResult // buffered 1; nil for abandon
}

// Handle presents a uniform, freely shareable, cancellable streaming
// interface over one backend instance. The backend itself is owned by a
// single goroutine for its entire lifetime; the Handle is a lightweight
// reference to that goroutine's bounded command channel, so it may be
// copied and called from any number of goroutines. All copies share the
// same backend instance and session state.
//
// At most one backend call is in flight at any instant: operations are
// serialized through the owner, which is what makes thread-unsafe backend
// internals safe behind the Handle.
type Handle struct {
	name    string
	cmds    chan command
	quit    chan struct{}
	done    chan struct{}
	closeMu sync.Once
	cancels *cancelTable
	logger  *slog.Logger
}

// NewHandle wraps the backend in a Handle and starts its owner goroutine.
// The backend must not be touched directly after this call.
func NewHandle(backend Backend, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handle{
		name:    backend.Name(),
		cmds:    make(chan command, commandBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		cancels: newCancelTable(),
		logger:  logger.With("backend", backend.Name()),
	}
	go h.run(backend)
	return h
}

// Name returns the backend name this handle wraps.
func (h *Handle) Name() string {
	return h.name
}

// NewSession allocates a fresh conversation context on the backend.
func (h *Handle) NewSession(ctx context.Context) (string, error) {
	reply := make(chan cmdResult, 1)
	if err := h.send(ctx, command{kind: cmdNewSession, reply: reply}); err != nil {
		return "", err
	}
	res, err := h.recv(ctx, reply)
	if err != nil {
		return "", err
	}
	return res.value, res.err
}

// LoadSession resumes an existing session on the backend.
func (h *Handle) LoadSession(ctx context.Context, sessionID string) error {
	reply := make(chan cmdResult, 1)
	if err := h.send(ctx, command{kind: cmdLoadSession, sessionID: sessionID, reply: reply}); err != nil {
		return err
	}
	res, err := h.recv(ctx, reply)
	if err != nil {
		return err
	}
	return res.err
}

// Prompt sends a prompt to the session and returns the event stream for
// it. The owner relays backend events in emission order until the stream
// ends. The returned stream is not restartable.
func (h *Handle) Prompt(ctx context.Context, sessionID, text string) (*EventStream, error) {
	events := make(chan Event, eventBuffer)
	reply := make(chan cmdResult, 1)
	cmd := command{kind: cmdPrompt, sessionID: sessionID, text: text, events: events, reply: reply}
	if err := h.send(ctx, cmd); err != nil {
		return nil, err
	}
	// The owner acks once the prompt is dequeued and the stream is live.
	res, err := h.recv(ctx, reply)
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, res.err
	}
	return NewEventStream(events), nil
}

// Cancel requests that an in-flight prompt for the session stop. It is
// cooperative and accepted even while a prompt stream is open: the
// in-flight prompt's context is cancelled immediately, and the backend's
// own Cancel runs on the owner once the prompt unwinds.
func (h *Handle) Cancel(ctx context.Context, sessionID string) error {
	h.cancels.fire(sessionID)

	reply := make(chan cmdResult, 1)
	if err := h.send(ctx, command{kind: cmdCancel, sessionID: sessionID, reply: reply}); err != nil {
		return err
	}
	res, err := h.recv(ctx, reply)
	if err != nil {
		return err
	}
	return res.err
}

// AbandonSession is a fire-and-forget cleanup signal for sessions that
// were created but never used. It never blocks and never fails loudly: if
// the command queue is full or the owner is gone, the signal is dropped.
func (h *Handle) AbandonSession(sessionID string) {
	select {
	case h.cmds <- command{kind: cmdAbandon, sessionID: sessionID}:
	default:
	}
}

// Close retires the handle. The owner drains already-queued commands,
// releases the backend and exits; subsequent operations fail fast with
// ErrBackendClosed. Safe to call more than once.
func (h *Handle) Close() {
	h.closeMu.Do(func() { close(h.quit) })
}

// Done is closed once the owner goroutine has terminated.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) send(ctx context.Context, cmd command) error {
	select {
	case <-h.done:
		return ErrBackendClosed
	default:
	}
	select {
	case h.cmds <- cmd:
		return nil
	case <-h.done:
		return ErrBackendClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) recv(ctx context.Context, reply <-chan cmdResult) (cmdResult, error) {
	select {
	case res := <-reply:
		return res, nil
	case <-h.done:
		return cmdResult{}, ErrBackendClosed
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	}
}

// run is the owner goroutine. It has exclusive access to the backend for
// the lifetime of the handle; every operation arrives as a command and is
// executed here, one at a time.
func (h *Handle) run(backend Backend) {
	defer close(h.done)

	for {
		select {
		case <-h.quit:
			h.shutdown(backend)
			return
		case cmd := <-h.cmds:
			h.dispatch(backend, cmd)
		}
	}
}

func (h *Handle) dispatch(backend Backend, cmd command) {
	switch cmd.kind {
	case cmdNewSession:
		id, err := backend.NewSession(context.Background())
		cmd.reply <- cmdResult{value: id, err: err}

	case cmdLoadSession:
		cmd.reply <- cmdResult{err: backend.LoadSession(context.Background(), cmd.sessionID)}

	case cmdPrompt:
		h.runPrompt(backend, cmd)

	case cmdCancel:
		cmd.reply <- cmdResult{err: backend.Cancel(context.Background(), cmd.sessionID)}

	case cmdAbandon:
		if a, ok := backend.(SessionAbandoner); ok {
			a.AbandonSession(cmd.sessionID)
		}
	}
}

func (h *Handle) runPrompt(backend Backend, cmd command) {
	pctx, cancel := context.WithCancel(context.Background())
	h.cancels.set(cmd.sessionID, cancel)
	defer func() {
		h.cancels.clear(cmd.sessionID)
		cancel()
	}()

	// Ack before streaming so the caller gets its stream immediately.
	cmd.reply <- cmdResult{}

	err := backend.Prompt(pctx, cmd.sessionID, cmd.text, cmd.events)
	if err != nil && pctx.Err() == nil {
		h.logger.Error("prompt failed", "session_id", cmd.sessionID, "error", err)
		// Terminate the stream through the event protocol so consumers
		// never hang waiting for a Result.
		select {
		case cmd.events <- ErrorOf(ClassifyErr(err), err.Error(), false):
		default:
		}
	}
	close(cmd.events)
}

func (h *Handle) shutdown(backend Backend) {
	// Drain whatever was queued before Close so callers holding replies
	// are answered rather than abandoned.
	for {
		select {
		case cmd := <-h.cmds:
			h.dispatch(backend, cmd)
		default:
			if c, ok := backend.(Closer); ok {
				if err := c.Close(); err != nil {
					h.logger.Warn("backend close failed", "error", err)
				}
			}
			return
		}
	}
}

// cancelTable tracks the cancel function of each session's in-flight
// prompt. It is the one piece of handle state touched from outside the
// owner goroutine, which is why firing a cancellation never has to touch
// the backend itself.
type cancelTable struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCancelTable() *cancelTable {
	return &cancelTable{cancels: make(map[string]context.CancelFunc)}
}

func (t *cancelTable) set(sessionID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancels[sessionID] = cancel
}

func (t *cancelTable) clear(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cancels, sessionID)
}

func (t *cancelTable) fire(sessionID string) {
	t.mu.Lock()
	cancel := t.cancels[sessionID]
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// EventStream delivers a single prompt's events in the order the backend
// produced them. Receives after end-of-stream keep reporting end-of-stream.
type EventStream struct {
	ch <-chan Event
}

// NewEventStream wraps an event channel. The channel must be closed by the
// producer to signal end-of-stream.
func NewEventStream(ch <-chan Event) *EventStream {
	return &EventStream{ch: ch}
}

// Recv blocks for the next event. ok is false once the stream has ended.
func (s *EventStream) Recv() (Event, bool) {
	ev, ok := <-s.ch
	return ev, ok
}

// RecvContext is Recv with cancellation. ok is false if the stream ended
// or ctx was cancelled; check ctx.Err() to tell them apart.
func (s *EventStream) RecvContext(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-s.ch:
		return ev, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

// TryRecv receives without blocking. ok is false if no event is ready.
func (s *EventStream) TryRecv() (Event, bool) {
	select {
	case ev, ok := <-s.ch:
		return ev, ok
	default:
		return Event{}, false
	}
}
