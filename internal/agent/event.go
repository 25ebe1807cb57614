// ABOUTME: Event types emitted by agent backends during prompt execution.
// ABOUTME: Includes tool lifecycle, results, errors, and extensibility via Custom.

package agent

import (
	"encoding/json"
	"fmt"
)

// EventKind names an Event variant. The set of named kinds is closed;
// backend-specific signals must travel as KindCustom so that older
// consumers keep parsing.
type EventKind string

const (
	KindText           EventKind = "Text"
	KindToolStart      EventKind = "ToolStart"
	KindToolProgress   EventKind = "ToolProgress"
	KindToolEnd        EventKind = "ToolEnd"
	KindResult         EventKind = "Result"
	KindError          EventKind = "Error"
	KindSessionInvalid EventKind = "SessionInvalid"
	KindSessionChanged EventKind = "SessionChanged"
	KindCustom         EventKind = "Custom"
)

// ErrorCode classifies an Error event for programmatic handling.
type ErrorCode string

const (
	// CodeTimeout means the request timed out.
	CodeTimeout ErrorCode = "Timeout"
	// CodeRateLimited means the backend rate limited the request.
	CodeRateLimited ErrorCode = "RateLimited"
	// CodeAuthFailed means authentication with the backend failed.
	CodeAuthFailed ErrorCode = "AuthFailed"
	// CodeSessionOrphaned means the session no longer exists on the backend.
	CodeSessionOrphaned ErrorCode = "SessionOrphaned"
	// CodeToolFailed means a tool execution failed.
	CodeToolFailed ErrorCode = "ToolFailed"
	// CodePermissionDenied means the operation was not permitted.
	CodePermissionDenied ErrorCode = "PermissionDenied"
	// CodeBackendError is a backend-specific failure.
	CodeBackendError ErrorCode = "BackendError"
	// CodeUnknown is an unclassified failure.
	CodeUnknown ErrorCode = "Unknown"
)

// Usage tracks token consumption and cost for a prompt.
type Usage struct {
	InputTokens      uint64          `json:"input_tokens"`
	OutputTokens     uint64          `json:"output_tokens"`
	CacheReadTokens  *uint64         `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens *uint64         `json:"cache_write_tokens,omitempty"`
	CostUSD          *float64        `json:"cost_usd,omitempty"`
	Extra            json.RawMessage `json:"extra,omitempty"`
}

// ToolStartEvent reports a tool beginning execution.
type ToolStartEvent struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolProgressEvent carries a backend-specific progress update for a
// running tool. ID matches a prior ToolStartEvent.
type ToolProgressEvent struct {
	ID     string          `json:"id"`
	Update json.RawMessage `json:"update"`
}

// ToolEndEvent reports a tool finishing. ID matches a prior ToolStartEvent.
type ToolEndEvent struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Output     json.RawMessage `json:"output"`
	Success    bool            `json:"success"`
	DurationMS uint64          `json:"duration_ms"`
}

// ResultEvent is the final result of a prompt. It terminates the stream.
type ResultEvent struct {
	Text     string          `json:"text"`
	Usage    *Usage          `json:"usage"`
	Metadata json.RawMessage `json:"metadata"`
}

// ErrorEvent reports a failure during prompt execution. It terminates the
// stream. Recoverable errors permit retrying the same session; an
// unrecoverable error means the session should be recreated.
type ErrorEvent struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// SessionInvalidEvent signals that the session record is no longer usable
// and must be recreated before further prompts.
type SessionInvalidEvent struct {
	Reason string `json:"reason"`
}

// SessionChangedEvent signals that the backend rotated to a new session id
// mid-conversation; callers must adopt the new id for subsequent calls.
type SessionChangedEvent struct {
	NewSessionID string `json:"new_session_id"`
}

// CustomEvent is the extensibility escape hatch for backend-specific
// signals (e.g. "acp.thought_chunk"). Consumers must never infer new named
// meaning from it without a protocol version bump.
type CustomEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Event is the tagged union exchanged between backends and every consumer.
// Exactly the field matching Kind is populated. The wire shape is a
// single-key object whose key is the variant name, e.g.
// {"ToolStart": {"id": ..., "name": ..., "input": ...}}.
type Event struct {
	Kind EventKind

	Text           string
	ToolStart      *ToolStartEvent
	ToolProgress   *ToolProgressEvent
	ToolEnd        *ToolEndEvent
	Result         *ResultEvent
	Error          *ErrorEvent
	SessionInvalid *SessionInvalidEvent
	SessionChanged *SessionChangedEvent
	Custom         *CustomEvent
}

// Terminal reports whether this event ends a prompt's stream.
func (e Event) Terminal() bool {
	return e.Kind == KindResult || e.Kind == KindError
}

// TextEvent builds a streaming text chunk event.
func TextEvent(chunk string) Event {
	return Event{Kind: KindText, Text: chunk}
}

// ResultOf builds a terminal Result event.
func ResultOf(text string, usage *Usage, metadata json.RawMessage) Event {
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	return Event{Kind: KindResult, Result: &ResultEvent{Text: text, Usage: usage, Metadata: metadata}}
}

// ErrorOf builds a terminal Error event.
func ErrorOf(code ErrorCode, message string, recoverable bool) Event {
	return Event{Kind: KindError, Error: &ErrorEvent{Code: code, Message: message, Recoverable: recoverable}}
}

// MarshalJSON encodes the event as a single-key tagged object.
func (e Event) MarshalJSON() ([]byte, error) {
	var inner any
	switch e.Kind {
	case KindText:
		inner = e.Text
	case KindToolStart:
		inner = e.ToolStart
	case KindToolProgress:
		inner = e.ToolProgress
	case KindToolEnd:
		inner = e.ToolEnd
	case KindResult:
		inner = e.Result
	case KindError:
		inner = e.Error
	case KindSessionInvalid:
		inner = e.SessionInvalid
	case KindSessionChanged:
		inner = e.SessionChanged
	case KindCustom:
		inner = e.Custom
	default:
		return nil, fmt.Errorf("marshal event: unknown kind %q", e.Kind)
	}
	return json.Marshal(map[EventKind]any{e.Kind: inner})
}

// UnmarshalJSON decodes the single-key tagged object produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var tagged map[EventKind]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("unmarshal event: expected exactly one variant key, got %d", len(tagged))
	}

	*e = Event{}
	for kind, raw := range tagged {
		e.Kind = kind
		switch kind {
		case KindText:
			return json.Unmarshal(raw, &e.Text)
		case KindToolStart:
			e.ToolStart = &ToolStartEvent{}
			return json.Unmarshal(raw, e.ToolStart)
		case KindToolProgress:
			e.ToolProgress = &ToolProgressEvent{}
			return json.Unmarshal(raw, e.ToolProgress)
		case KindToolEnd:
			e.ToolEnd = &ToolEndEvent{}
			return json.Unmarshal(raw, e.ToolEnd)
		case KindResult:
			e.Result = &ResultEvent{}
			return json.Unmarshal(raw, e.Result)
		case KindError:
			e.Error = &ErrorEvent{}
			return json.Unmarshal(raw, e.Error)
		case KindSessionInvalid:
			e.SessionInvalid = &SessionInvalidEvent{}
			return json.Unmarshal(raw, e.SessionInvalid)
		case KindSessionChanged:
			e.SessionChanged = &SessionChangedEvent{}
			return json.Unmarshal(raw, e.SessionChanged)
		case KindCustom:
			e.Custom = &CustomEvent{}
			return json.Unmarshal(raw, e.Custom)
		default:
			return fmt.Errorf("unmarshal event: unknown variant %q", kind)
		}
	}
	return nil
}
