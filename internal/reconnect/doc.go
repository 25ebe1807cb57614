// Package reconnect tracks retry state for components that reconnect to
// something failure-prone, such as an agent child process. Backoff doubles
// the delay on each consecutive failure up to a cap and resets on success.
package reconnect
