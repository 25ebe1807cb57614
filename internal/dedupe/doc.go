// Package dedupe tracks recently seen message IDs so the bus can drop
// redelivered messages within a configurable window.
package dedupe
