// Package agent defines the event protocol, backend capability contract,
// concurrency bridge, and backend registry for gorp agent sessions.
//
// # Event Protocol
//
// Event is a closed tagged union shared by every backend and every
// consumer (the bus router, front-ends, callback bridges). On the wire it
// is a single-key object keyed by the variant name:
//
//	{"ToolStart": {"id": "t1", "name": "Read", "input": {"path": "/tmp/x"}}}
//
// New named variants are a breaking protocol change; backend-specific
// signals use Custom{kind, payload} so older consumers keep parsing.
//
// # Backend Contract
//
// Backend is the operation set every agent implementation provides:
// NewSession, LoadSession, Prompt (finite event stream terminated by
// Result or a terminal Error), and Cancel. Implementations need not be
// safe for concurrent use.
//
// # Handle
//
// Handle makes any Backend safely callable from any goroutine. A single
// owner goroutine exclusively holds the backend; the Handle translates
// each operation into a message on a bounded command channel, so at most
// one backend call is ever in flight:
//
//	handle := agent.NewHandle(backend, logger)
//	sessionID, err := handle.NewSession(ctx)
//	stream, err := handle.Prompt(ctx, sessionID, "hello")
//	for {
//	    ev, ok := stream.Recv()
//	    if !ok {
//	        break
//	    }
//	    // ...
//	}
//
// Cancellation is cooperative: Cancel fires the in-flight prompt's
// context immediately and forwards the backend's own Cancel through the
// owner. Once the owner goroutine has exited, every call fails fast with
// ErrBackendClosed.
//
// # Registry
//
// Registry maps configuration-supplied names to factories:
//
//	reg := agent.NewRegistry()
//	reg.Register("mock", mockFactory)
//	handle, err := reg.Create("mock", config)
//
// Create fails with "Unknown backend: <name>" for unregistered names.
package agent
