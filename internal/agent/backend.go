// ABOUTME: Backend capability contract that all agent implementations satisfy.
// ABOUTME: Defines session management and streaming prompt execution.

package agent

import "context"

// Backend is the capability contract every agent implementation provides.
//
// Implementations are NOT required to be safe for concurrent use. A backend
// may hold resources that must only ever be touched from one goroutine at a
// time (a child process, a single logical RPC connection). Safety is the
// Handle's responsibility: it funnels every call through a single owning
// goroutine, so a Backend can assume its methods are never invoked
// concurrently.
//
// Per-session state machine: Uninitialized -> Active (successful NewSession
// or LoadSession) -> Invalid (SessionInvalid event or unrecoverable Error)
// -> recreated. Cancel alone never transitions state; a cancelled prompt's
// session stays Active unless the backend also emits SessionInvalid.
type Backend interface {
	// Name returns the static backend name used for registry lookup,
	// logging and metrics. No side effects.
	Name() string

	// NewSession allocates a fresh conversation context and returns its id.
	NewSession(ctx context.Context) (string, error)

	// LoadSession resumes an existing context. It fails if the backend
	// cannot locate or restore the session.
	LoadSession(ctx context.Context, sessionID string) error

	// Prompt runs one prompt against the session, sending events on the
	// provided channel in emission order. The stream is finite: it ends
	// with a Result or a terminal Error event (or simply by Prompt
	// returning, e.g. on cancellation). Prompt must respect ctx
	// cancellation between events and must tolerate the receiver going
	// away; it must not close the channel (the owner does). A returned
	// error means the prompt could not start or failed outside the event
	// protocol.
	Prompt(ctx context.Context, sessionID, text string, events chan<- Event) error

	// Cancel is a best-effort request to stop an in-flight prompt for the
	// session. Cooperative: the backend ends the stream promptly rather
	// than guaranteeing the very next event is suppressed.
	Cancel(ctx context.Context, sessionID string) error
}

// SessionAbandoner is an optional capability for backends that want to
// reclaim resources for sessions that were created but never used. The
// Handle forwards AbandonSession to it fire-and-forget.
type SessionAbandoner interface {
	AbandonSession(sessionID string)
}

// Closer is an optional capability for backends holding long-lived
// resources (child processes, connections). The Handle's owner goroutine
// invokes it once, after the command channel drains.
type Closer interface {
	Close() error
}
