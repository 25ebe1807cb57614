// ABOUTME: Native backend - talks to the Anthropic Messages API directly.
// ABOUTME: Keeps per-session conversation history in memory and streams deltas.

package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/2389/gorp/internal/agent"
)

// DefaultNativeModel is used when the configuration names no model.
const DefaultNativeModel = "claude-sonnet-4-5"

// DefaultNativeMaxTokens caps a completion when the configuration is silent.
const DefaultNativeMaxTokens = 8192

// NativeConfig configures the native API backend.
type NativeConfig struct {
	APIKey    string `json:"api_key"`
	Model     string `json:"model"`
	MaxTokens int64  `json:"max_tokens"`
}

// NativeBackend prompts the Anthropic API directly, holding each session's
// conversation history in memory. History does not survive a restart; a
// LoadSession for an unknown id fails and the caller starts fresh.
//
// Only the handle's owner goroutine touches the history map.
type NativeBackend struct {
	client    sdk.Client
	model     sdk.Model
	maxTokens int64
	logger    *slog.Logger

	histories map[string][]sdk.MessageParam
}

// NewNativeBackend creates a native backend. APIKey is required.
func NewNativeBackend(cfg NativeConfig) (*NativeBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("native config: api_key is required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultNativeModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultNativeMaxTokens
	}
	return &NativeBackend{
		client:    sdk.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     sdk.Model(model),
		maxTokens: maxTokens,
		logger:    slog.Default().With("component", "native"),
		histories: make(map[string][]sdk.MessageParam),
	}, nil
}

func (n *NativeBackend) Name() string { return "native" }

func (n *NativeBackend) NewSession(context.Context) (string, error) {
	id := "native-" + uuid.NewString()
	n.histories[id] = nil
	return id, nil
}

func (n *NativeBackend) LoadSession(_ context.Context, sessionID string) error {
	if _, ok := n.histories[sessionID]; !ok {
		return fmt.Errorf("unknown session %s: history is not persisted", sessionID)
	}
	return nil
}

func (n *NativeBackend) Prompt(ctx context.Context, sessionID, text string, events chan<- agent.Event) error {
	history, ok := n.histories[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}

	conversation := append(history, sdk.NewUserMessage(sdk.NewTextBlock(text)))

	stream := n.client.Messages.NewStreaming(ctx, sdk.MessageNewParams{
		Model:     n.model,
		MaxTokens: n.maxTokens,
		Messages:  conversation,
	})
	defer stream.Close()

	var reply strings.Builder
	usage := &agent.Usage{}

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				reply.WriteString(delta.Text)
				select {
				case events <- agent.TextEvent(delta.Text):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case sdk.MessageStartEvent:
			usage.InputTokens = uint64(ev.Message.Usage.InputTokens)
		case sdk.MessageDeltaEvent:
			usage.OutputTokens = uint64(ev.Usage.OutputTokens)
			if ev.Usage.CacheReadInputTokens > 0 {
				v := uint64(ev.Usage.CacheReadInputTokens)
				usage.CacheReadTokens = &v
			}
			if ev.Usage.CacheCreationInputTokens > 0 {
				v := uint64(ev.Usage.CacheCreationInputTokens)
				usage.CacheWriteTokens = &v
			}
		}
	}

	if err := stream.Err(); err != nil {
		code := agent.CodeBackendError
		recoverable := false
		msg := err.Error()
		switch {
		case strings.Contains(msg, "429"):
			code, recoverable = agent.CodeRateLimited, true
		case strings.Contains(msg, "401"), strings.Contains(msg, "403"):
			code = agent.CodeAuthFailed
		case ctx.Err() != nil:
			return ctx.Err()
		}
		select {
		case events <- agent.ErrorOf(code, msg, recoverable):
		case <-ctx.Done():
		}
		return nil
	}

	final := reply.String()
	n.histories[sessionID] = append(conversation,
		sdk.NewAssistantMessage(sdk.NewTextBlock(final)))

	metadata, _ := json.Marshal(map[string]string{"model": string(n.model)})
	select {
	case events <- agent.ResultOf(final, usage, metadata):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Cancel relies on prompt context cancellation; the API has no session-level
// cancel call.
func (n *NativeBackend) Cancel(context.Context, string) error { return nil }

// AbandonSession drops an unused session's history.
func (n *NativeBackend) AbandonSession(sessionID string) {
	delete(n.histories, sessionID)
}

// NativeFactory builds native API handles from a {api_key, model,
// max_tokens} configuration.
func NativeFactory(raw json.RawMessage) (*agent.Handle, error) {
	var cfg NativeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("invalid native config: %w", err)
	}
	backend, err := NewNativeBackend(cfg)
	if err != nil {
		return nil, err
	}
	return agent.NewHandle(backend, nil), nil
}
