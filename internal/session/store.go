// ABOUTME: Store interface and data types for channel-to-session persistence
// ABOUTME: Defines the Channel record and validation rules for channel names

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested channel does not exist.
var ErrNotFound = errors.New("channel not found")

// ErrChannelExists is returned when a channel name or room is already taken.
var ErrChannelExists = errors.New("channel name or room already exists")

// DispatchRoomKey is the settings key holding the control-plane room ID.
const DispatchRoomKey = "dispatch_room"

// Channel links one platform room to a named agent session backed by a
// workspace directory.
type Channel struct {
	ChannelName string
	RoomID      string
	SessionID   string
	Directory   string
	Started     bool
	BackendType string
	CreatedAt   time.Time
}

// ValidateDirectory rejects directory paths that could escape the workspace.
// Guards against tampered database rows.
func (c *Channel) ValidateDirectory() error {
	if strings.Contains(c.Directory, "..") {
		return fmt.Errorf("invalid channel directory for %q: contains path traversal", c.ChannelName)
	}
	return nil
}

// ValidateChannelName checks the naming rules shared by every store
// implementation: lowercase alphanumeric with dashes and underscores,
// 1-64 characters, not starting with '.' or '-'.
func ValidateChannelName(name string) error {
	if name == "" || len(name) > 64 {
		return errors.New("channel name must be 1-64 characters")
	}
	if name[0] == '.' || name[0] == '-' {
		return errors.New("channel name cannot start with . or -")
	}
	for _, r := range name {
		if !isNameRune(r) {
			return errors.New("invalid channel name: must be alphanumeric with dashes/underscores")
		}
	}
	return nil
}

func isNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}

// Store persists channel records and a small settings table. Channel names
// are normalized to lowercase on every lookup and write.
type Store interface {
	// CreateChannel allocates a channel with a fresh session ID and a
	// workspace directory. Fails with ErrChannelExists when the name or
	// room is taken.
	CreateChannel(ctx context.Context, channelName, roomID, backendType string) (*Channel, error)

	// GetByName looks a channel up by name. Returns ErrNotFound when absent.
	GetByName(ctx context.Context, channelName string) (*Channel, error)

	// GetByRoom looks a channel up by room ID. Returns ErrNotFound when absent.
	GetByRoom(ctx context.Context, roomID string) (*Channel, error)

	// GetBySessionID looks a channel up by backend session ID.
	GetBySessionID(ctx context.Context, sessionID string) (*Channel, error)

	// MarkStarted records that the channel's session has had its first
	// prompt, so future restarts resume instead of creating.
	MarkStarted(ctx context.Context, roomID string) error

	// UpdateSessionID adopts a new backend session ID for the channel,
	// used when a backend rotates sessions mid-conversation.
	UpdateSessionID(ctx context.Context, channelName, sessionID string) error

	// ListAll returns every channel, newest first.
	ListAll(ctx context.Context) ([]*Channel, error)

	// DeleteChannel removes a channel by name. Deleting an absent channel
	// is not an error.
	DeleteChannel(ctx context.Context, channelName string) error

	// GetSetting reads a settings value; the empty string with a nil error
	// means the key is unset.
	GetSetting(ctx context.Context, key string) (string, error)

	// SetSetting upserts a settings value.
	SetSetting(ctx context.Context, key, value string) error

	// Close releases the underlying storage.
	Close() error
}

// DispatchRoom reads the configured control-plane room from the store's
// settings. Empty means no dispatch room has been set.
func DispatchRoom(ctx context.Context, s Store) (string, error) {
	return s.GetSetting(ctx, DispatchRoomKey)
}

// SetDispatchRoom records the control-plane room in the store's settings.
func SetDispatchRoom(ctx context.Context, s Store, roomID string) error {
	return s.SetSetting(ctx, DispatchRoomKey, roomID)
}
