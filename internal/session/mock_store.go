// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite or a workspace on disk

package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	byName   map[string]*Channel
	settings map[string]string
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		byName:   make(map[string]*Channel),
		settings: make(map[string]string),
	}
}

func (m *MockStore) CreateChannel(_ context.Context, channelName, roomID, backendType string) (*Channel, error) {
	channelName = strings.ToLower(channelName)
	if err := ValidateChannelName(channelName); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[channelName]; ok {
		return nil, ErrChannelExists
	}
	for _, c := range m.byName {
		if c.RoomID == roomID {
			return nil, ErrChannelExists
		}
	}

	c := &Channel{
		ChannelName: channelName,
		RoomID:      roomID,
		SessionID:   uuid.NewString(),
		Directory:   "/tmp/gorp-mock/" + channelName,
		Started:     false,
		BackendType: backendType,
		CreatedAt:   time.Now().UTC(),
	}
	m.byName[channelName] = c

	// Copy so callers cannot mutate stored state.
	out := *c
	return &out, nil
}

func (m *MockStore) GetByName(_ context.Context, channelName string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.byName[strings.ToLower(channelName)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (m *MockStore) GetByRoom(_ context.Context, roomID string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.byName {
		if c.RoomID == roomID {
			out := *c
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetBySessionID(_ context.Context, sessionID string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.byName {
		if c.SessionID == sessionID {
			out := *c
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) MarkStarted(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.byName {
		if c.RoomID == roomID {
			c.Started = true
		}
	}
	return nil
}

func (m *MockStore) UpdateSessionID(_ context.Context, channelName, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.byName[strings.ToLower(channelName)]; ok {
		c.SessionID = sessionID
	}
	return nil
}

func (m *MockStore) ListAll(_ context.Context) ([]*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Channel, 0, len(m.byName))
	for _, c := range m.byName {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MockStore) DeleteChannel(_ context.Context, channelName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byName, strings.ToLower(channelName))
	return nil
}

func (m *MockStore) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings[key], nil
}

func (m *MockStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *MockStore) Close() error { return nil }
