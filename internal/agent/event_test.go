// ABOUTME: Tests for the agent event protocol and its JSON wire shape.
// ABOUTME: Validates the round-trip law and the single-key tagged encoding.

package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, ev Event) Event {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

func TestEvent_RoundTrip_Text(t *testing.T) {
	ev := TextEvent("hello world")
	decoded := roundTrip(t, ev)
	assert.Equal(t, ev, decoded)
}

func TestEvent_RoundTrip_ToolLifecycle(t *testing.T) {
	start := Event{Kind: KindToolStart, ToolStart: &ToolStartEvent{
		ID:    "t1",
		Name:  "Read",
		Input: json.RawMessage(`{"path":"/tmp/foo"}`),
	}}
	progress := Event{Kind: KindToolProgress, ToolProgress: &ToolProgressEvent{
		ID:     "t1",
		Update: json.RawMessage(`{"lines":42}`),
	}}
	end := Event{Kind: KindToolEnd, ToolEnd: &ToolEndEvent{
		ID:         "t1",
		Name:       "Read",
		Output:     json.RawMessage(`{"content":"file contents"}`),
		Success:    true,
		DurationMS: 10,
	}}

	assert.Equal(t, start, roundTrip(t, start))
	assert.Equal(t, progress, roundTrip(t, progress))
	assert.Equal(t, end, roundTrip(t, end))
}

func TestEvent_RoundTrip_Result(t *testing.T) {
	cacheRead := uint64(100)
	cost := 0.25
	ev := ResultOf("done", &Usage{
		InputTokens:     1500,
		OutputTokens:    300,
		CacheReadTokens: &cacheRead,
		CostUSD:         &cost,
		Extra:           json.RawMessage(`{"model":"sonnet"}`),
	}, json.RawMessage(`{"turn":1}`))

	assert.Equal(t, ev, roundTrip(t, ev))
}

func TestEvent_RoundTrip_Error(t *testing.T) {
	ev := ErrorOf(CodeRateLimited, "slow down", true)
	decoded := roundTrip(t, ev)
	assert.Equal(t, ev, decoded)
	assert.True(t, decoded.Terminal())
}

func TestEvent_RoundTrip_SessionEvents(t *testing.T) {
	invalid := Event{Kind: KindSessionInvalid, SessionInvalid: &SessionInvalidEvent{Reason: "session not found"}}
	changed := Event{Kind: KindSessionChanged, SessionChanged: &SessionChangedEvent{NewSessionID: "abc-123"}}

	assert.Equal(t, invalid, roundTrip(t, invalid))
	assert.Equal(t, changed, roundTrip(t, changed))
}

func TestEvent_RoundTrip_Custom(t *testing.T) {
	ev := Event{Kind: KindCustom, Custom: &CustomEvent{
		Kind:    "acp.thought_chunk",
		Payload: json.RawMessage(`{"text":"hmm"}`),
	}}
	assert.Equal(t, ev, roundTrip(t, ev))
}

func TestEvent_WireShape(t *testing.T) {
	ev := Event{Kind: KindToolStart, ToolStart: &ToolStartEvent{
		ID:    "t1",
		Name:  "Bash",
		Input: json.RawMessage(`{"command":"ls"}`),
	}}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	// Single-key tagged object keyed by the variant name.
	var wire map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	require.Len(t, wire, 1)
	inner, ok := wire["ToolStart"]
	require.True(t, ok)
	assert.Equal(t, "t1", inner["id"])
	assert.Equal(t, "Bash", inner["name"])
}

func TestEvent_WireShape_TextIsBareString(t *testing.T) {
	data, err := json.Marshal(TextEvent("chunk"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"Text":"chunk"}`, string(data))
}

func TestEvent_Unmarshal_UnknownVariant(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"Telepathy":{"thought":"?"}}`), &ev)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown variant")
}

func TestEvent_Unmarshal_MultipleKeys(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"Text":"a","Result":{"text":"b","usage":null,"metadata":{}}}`), &ev)
	assert.Error(t, err)
}

func TestEvent_Terminal(t *testing.T) {
	assert.False(t, TextEvent("x").Terminal())
	assert.False(t, Event{Kind: KindToolStart, ToolStart: &ToolStartEvent{ID: "t", Name: "n"}}.Terminal())
	assert.True(t, ResultOf("done", nil, nil).Terminal())
	assert.True(t, ErrorOf(CodeUnknown, "boom", false).Terminal())
	assert.False(t, Event{Kind: KindSessionInvalid, SessionInvalid: &SessionInvalidEvent{}}.Terminal())
}
