// ABOUTME: Mock backend for testing - returns pre-configured responses.
// ABOUTME: Allows deterministic tests without spawning real agent processes.

package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/2389/gorp/internal/agent"
)

type expectation struct {
	pattern string
	events  []agent.Event
}

// MockBackend replays configured event sequences for prompts matching
// registered substring patterns. Prompts with no matching expectation get a
// single Result explaining the miss.
//
//	mock := backends.NewMockBackend().
//		OnPrompt("hello").RespondText("Hi there!").
//		OnPrompt("fail").RespondError(agent.CodeToolFailed, "boom")
//	handle := agent.NewHandle(mock, nil)
type MockBackend struct {
	mu           sync.Mutex
	expectations []expectation
	sessions     int
}

// NewMockBackend creates a mock with no expectations.
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// OnPrompt begins an expectation for prompts containing pattern.
func (m *MockBackend) OnPrompt(pattern string) *ExpectationBuilder {
	return &ExpectationBuilder{backend: m, pattern: pattern}
}

// ExpectationBuilder finishes an OnPrompt expectation with a response.
type ExpectationBuilder struct {
	backend *MockBackend
	pattern string
}

// RespondWith replays the given events for the matched prompt.
func (b *ExpectationBuilder) RespondWith(events ...agent.Event) *MockBackend {
	b.backend.mu.Lock()
	defer b.backend.mu.Unlock()
	b.backend.expectations = append(b.backend.expectations, expectation{
		pattern: b.pattern,
		events:  events,
	})
	return b.backend
}

// RespondText replays a single Result with the given text.
func (b *ExpectationBuilder) RespondText(text string) *MockBackend {
	return b.RespondWith(agent.ResultOf(text, nil, nil))
}

// RespondError replays a single unrecoverable Error.
func (b *ExpectationBuilder) RespondError(code agent.ErrorCode, message string) *MockBackend {
	return b.RespondWith(agent.ErrorOf(code, message, false))
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) NewSession(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions++
	return fmt.Sprintf("mock-session-%d", m.sessions), nil
}

func (m *MockBackend) LoadSession(context.Context, string) error { return nil }

// take matches with FIFO preference: the front expectation first, then the
// first match anywhere in the queue. In-order prompts consume expectations
// deterministically while out-of-order prompts still find theirs.
func (m *MockBackend) take(text string) ([]agent.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.expectations) == 0 {
		return nil, false
	}
	if strings.Contains(text, m.expectations[0].pattern) {
		events := m.expectations[0].events
		m.expectations = m.expectations[1:]
		return events, true
	}
	for i, exp := range m.expectations {
		if strings.Contains(text, exp.pattern) {
			m.expectations = append(m.expectations[:i], m.expectations[i+1:]...)
			return exp.events, true
		}
	}
	return nil, false
}

func (m *MockBackend) Prompt(ctx context.Context, _ string, text string, events chan<- agent.Event) error {
	replay, ok := m.take(text)
	if !ok {
		replay = []agent.Event{agent.ResultOf(fmt.Sprintf("Mock: no expectation for '%s'", text), nil, nil)}
	}

	for _, ev := range replay {
		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MockBackend) Cancel(context.Context, string) error { return nil }

// mockConfig is the registry configuration for the mock backend.
type mockConfig struct {
	Responses []struct {
		Pattern string `json:"pattern"`
		Text    string `json:"text"`
	} `json:"responses"`
}

// MockFactory builds mock handles from a {responses: [{pattern, text}]}
// configuration. An empty configuration is valid.
func MockFactory(raw json.RawMessage) (*agent.Handle, error) {
	mock := NewMockBackend()

	if len(raw) > 0 {
		var cfg mockConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("invalid mock config: %w", err)
		}
		for _, r := range cfg.Responses {
			mock.OnPrompt(r.Pattern).RespondText(r.Text)
		}
	}
	return agent.NewHandle(mock, nil), nil
}
