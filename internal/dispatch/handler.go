// ABOUTME: Control-plane command handler for messages on unmapped channels.
// ABOUTME: Processes !create, !list, !delete, !status, and !help against the session store.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/gorp/internal/session"
)

const helpText = `Available commands:
!create <name> - Create a channel here and route future messages to it
!list - Show all channels
!status <name> - Show channel details
!delete <name> - Remove a channel (keeps its workspace)
!help - Show this help`

// Binder is the slice of the message bus the handler needs to keep the
// in-memory routing table in step with the store.
type Binder interface {
	Bind(platformID, channelID, sessionName string)
	UnbindSession(sessionName string)
}

// Handler answers control-plane commands. Replies are returned as notice
// text; the router wraps them in SystemNotice responses.
type Handler struct {
	store          session.Store
	binder         Binder
	defaultBackend string
	logger         *slog.Logger
}

// NewHandler creates a Handler. defaultBackend names the backend kind used
// for channels created via !create.
func NewHandler(store session.Store, binder Binder, defaultBackend string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:          store,
		binder:         binder,
		defaultBackend: defaultBackend,
		logger:         logger.With("component", "dispatch"),
	}
}

// Handle interprets one message from an unmapped channel and returns the
// notice text to send back. Non-command messages get a short usage banner.
func (h *Handler) Handle(ctx context.Context, platformID, channelID, sender, body string) string {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "!") {
		return "💬 This channel is not bound to a session.\n\n" + helpText
	}

	parts := strings.Fields(body[1:])
	if len(parts) == 0 {
		return helpText
	}
	command := strings.ToLower(parts[0])
	args := parts[1:]

	h.logger.Info("dispatch command",
		"command", command,
		"platform", platformID,
		"channel", channelID,
		"sender", sender)

	switch command {
	case "help":
		return helpText
	case "create":
		return h.create(ctx, platformID, channelID, args)
	case "list":
		return h.list(ctx)
	case "status":
		return h.status(ctx, args)
	case "delete":
		return h.delete(ctx, args)
	default:
		return fmt.Sprintf("❌ Unknown command: !%s\n\nTry !help", command)
	}
}

func (h *Handler) create(ctx context.Context, platformID, channelID string, args []string) string {
	if len(args) != 1 {
		return "Usage: !create <name>"
	}
	name := args[0]

	c, err := h.store.CreateChannel(ctx, name, channelID, h.defaultBackend)
	if err != nil {
		if errors.Is(err, session.ErrChannelExists) {
			return fmt.Sprintf("❌ Channel %q already exists.", strings.ToLower(name))
		}
		return fmt.Sprintf("❌ %v", err)
	}

	h.binder.Bind(platformID, channelID, c.ChannelName)

	return fmt.Sprintf(
		"✅ Channel %q created.\n\nWorkspace: %s\nBackend: %s\n\nMessages here now go to the agent.",
		c.ChannelName, c.Directory, c.BackendType)
}

func (h *Handler) list(ctx context.Context) string {
	channels, err := h.store.ListAll(ctx)
	if err != nil {
		return fmt.Sprintf("❌ %v", err)
	}
	if len(channels) == 0 {
		return "📋 No channels yet.\n\nCreate one with: !create <name>"
	}

	var b strings.Builder
	b.WriteString("📋 Channels:\n\n")
	for _, c := range channels {
		status := "⚪"
		if c.Started {
			status = "🟢"
		}
		fmt.Fprintf(&b, "%s %s - %s\n", status, c.ChannelName, c.Directory)
	}
	return b.String()
}

func (h *Handler) status(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "Usage: !status <name>"
	}

	c, err := h.store.GetByName(ctx, args[0])
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Sprintf("❌ No channel named %q.", strings.ToLower(args[0]))
		}
		return fmt.Sprintf("❌ %v", err)
	}

	started := "No (first message will start it)"
	if c.Started {
		started = "Yes"
	}
	return fmt.Sprintf(
		"📊 Channel Status\n\nChannel: %s\nSession ID: %s\nDirectory: %s\nBackend: %s\nStarted: %s",
		c.ChannelName, c.SessionID, c.Directory, c.BackendType, started)
}

func (h *Handler) delete(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "Usage: !delete <name>"
	}
	name := strings.ToLower(args[0])

	if _, err := h.store.GetByName(ctx, name); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Sprintf("❌ No channel named %q.", name)
		}
		return fmt.Sprintf("❌ %v", err)
	}
	if err := h.store.DeleteChannel(ctx, name); err != nil {
		return fmt.Sprintf("❌ %v", err)
	}
	h.binder.UnbindSession(name)

	return fmt.Sprintf("🗑️ Channel %q deleted. Its workspace directory was kept.", name)
}
