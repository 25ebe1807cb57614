// Package bus is the routing core connecting gateway adapters to agent
// sessions.
//
// Adapters publish BusMessages onto a bounded inbound queue. The Router
// consumes that queue: it drops duplicates by message ID, sends messages
// from unmapped channels to the dispatch command handler, and routes mapped
// channels to their named agent session, lazily creating the backend handle
// from the session store's channel record on first use.
//
// Each prompt's event stream is relayed back as BusResponses: streaming
// events collapse to Chunk, Result becomes Complete, Error becomes Error,
// and session lifecycle events become SystemNotice plus a store update.
// Responses are delivered to the per-platform queue registered via
// Subscribe, so one slow platform never stalls another.
//
// The channel binding table inside MessageBus is the only shared mutable
// routing state; it is guarded by a read-write lock and kept in step with
// the session store by the dispatch handler.
package bus
