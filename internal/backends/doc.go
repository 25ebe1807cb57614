// Package backends provides the built-in agent backends.
//
// Four implementations ship with the gateway:
//
//   - mock: replays configured responses, for tests and demos.
//   - direct: shells out to the claude CLI with --output-format stream-json
//     and translates each line into protocol events.
//   - acp: keeps a long-lived agent child process and speaks JSON-RPC 2.0
//     (the Agent Client Protocol) with it over stdio.
//   - native: calls the Anthropic Messages API directly, streaming deltas
//     and holding conversation history in memory.
//
// DefaultRegistry registers all of them; NewRegistry picks a subset. Each
// backend satisfies agent.Backend and is wrapped in an agent.Handle by its
// factory.
package backends
