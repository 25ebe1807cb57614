// Package session persists channel records mapping platform rooms to named
// agent sessions, each backed by a workspace directory on disk.
package session
