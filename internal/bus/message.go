// ABOUTME: Envelope types for messages flowing through the bus.
// ABOUTME: Defines BusMessage, MessageSource, SessionTarget, and BusResponse.

package bus

import (
	"time"

	"github.com/google/uuid"
)

// MessageSource identifies where a message originated. The (PlatformID,
// ChannelID) pair is the routing key for channel bindings and for delivering
// responses back to the adapter that produced the message.
type MessageSource interface {
	// PlatformID names the adapter that produced the message ("matrix",
	// "web", "api", ...).
	PlatformID() string
	// ChannelID names the conversation within that platform.
	ChannelID() string
}

// PlatformSource is a message from a chat platform adapter.
type PlatformSource struct {
	Platform string
	Channel  string
}

func (s PlatformSource) PlatformID() string { return s.Platform }
func (s PlatformSource) ChannelID() string  { return s.Channel }

// WebSource is a message from the web chat UI; each websocket connection
// acts as its own channel.
type WebSource struct {
	ConnectionID string
}

func (s WebSource) PlatformID() string { return "web" }
func (s WebSource) ChannelID() string  { return s.ConnectionID }

// APISource is a message from the webhook API. TokenHint is a redacted
// prefix of the caller's token, kept for logging only.
type APISource struct {
	TokenHint string
}

func (s APISource) PlatformID() string { return "api" }
func (s APISource) ChannelID() string  { return s.TokenHint }

// SessionTarget says where a message should be routed. The zero value is
// Dispatch: the channel has no binding and the message goes to the
// control-plane command handler.
type SessionTarget struct {
	Name string
}

// Dispatch routes to the control-plane command handler.
var Dispatch = SessionTarget{}

// SessionNamed routes to the named agent session.
func SessionNamed(name string) SessionTarget {
	return SessionTarget{Name: name}
}

// IsDispatch reports whether the target is the control-plane handler.
func (t SessionTarget) IsDispatch() bool { return t.Name == "" }

// BusMessage is a message entering the bus from any source.
type BusMessage struct {
	// ID is unique per message and doubles as the deduplication key.
	ID string
	// Source identifies the adapter and conversation the message came from.
	Source MessageSource
	// Target is the resolved routing destination.
	Target SessionTarget
	// Sender is a human-readable identity for logs and prompts.
	Sender string
	// Body is the message text.
	Body string
	// Timestamp records when the message was created.
	Timestamp time.Time
}

// NewBusMessage builds a message with a fresh ID and the current time.
func NewBusMessage(source MessageSource, target SessionTarget, sender, body string) BusMessage {
	return BusMessage{
		ID:        uuid.NewString(),
		Source:    source,
		Target:    target,
		Sender:    sender,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}

// ResponseKind discriminates outbound payload types.
type ResponseKind int

const (
	// ResponseChunk is a streaming partial of the agent's output.
	ResponseChunk ResponseKind = iota
	// ResponseComplete is the final assembled response.
	ResponseComplete
	// ResponseError reports an agent or system failure.
	ResponseError
	// ResponseNotice carries control-plane or system notifications.
	ResponseNotice
)

// ResponseContent is the payload of an outbound response.
type ResponseContent struct {
	Kind ResponseKind
	Text string
}

// Chunk wraps streaming partial output.
func Chunk(text string) ResponseContent {
	return ResponseContent{Kind: ResponseChunk, Text: text}
}

// Complete wraps a final response.
func Complete(text string) ResponseContent {
	return ResponseContent{Kind: ResponseComplete, Text: text}
}

// ErrorText wraps an error message for delivery to the user.
func ErrorText(text string) ResponseContent {
	return ResponseContent{Kind: ResponseError, Text: text}
}

// SystemNotice wraps a control-plane or system notification.
func SystemNotice(text string) ResponseContent {
	return ResponseContent{Kind: ResponseNotice, Text: text}
}

// BusResponse is a response leaving the bus toward a connected platform.
type BusResponse struct {
	// SessionName identifies the agent session that produced the response.
	SessionName string
	// Content is the payload.
	Content ResponseContent
	// Timestamp records when the response was generated.
	Timestamp time.Time
}

// NewResponse builds a response stamped with the current time.
func NewResponse(sessionName string, content ResponseContent) BusResponse {
	return BusResponse{
		SessionName: sessionName,
		Content:     content,
		Timestamp:   time.Now().UTC(),
	}
}
