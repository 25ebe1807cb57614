// Package gateway defines the platform adapter contract, the runtime
// adapter registry, and the built-in WebSocket adapter. Adapters translate
// between a platform's wire protocol and bus messages; the registry gives
// the process one place to start, look up, and shut them all down.
package gateway
