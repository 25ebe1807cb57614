// ABOUTME: Tests for ACP session/update translation and RPC framing.
// ABOUTME: Avoids spawning real agent processes; exercises the pure parts.

package backends

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gorp/internal/agent"
)

func sinkFixture(t *testing.T) (*updateSink, chan agent.Event) {
	t.Helper()
	events := make(chan agent.Event, 16)
	return newUpdateSink(context.Background(), events), events
}

func TestUpdateSink_AgentMessageChunk(t *testing.T) {
	sink, events := sinkFixture(t)

	sink.handleUpdate([]byte(`{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hello "}}}`))
	sink.handleUpdate([]byte(`{"sessionId":"s1","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"world"}}}`))

	require.Len(t, events, 2)
	ev := <-events
	assert.Equal(t, agent.KindText, ev.Kind)
	assert.Equal(t, "hello ", ev.Text)

	assert.Equal(t, "hello world", sink.takeText())
	assert.Empty(t, sink.takeText(), "takeText drains the accumulator")
}

func TestUpdateSink_EmptyChunkIgnored(t *testing.T) {
	sink, events := sinkFixture(t)

	sink.handleUpdate([]byte(`{"update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":""}}}`))

	assert.Empty(t, events)
	assert.Empty(t, sink.takeText())
}

func TestUpdateSink_ToolCall(t *testing.T) {
	sink, events := sinkFixture(t)

	sink.handleUpdate([]byte(`{"update":{"sessionUpdate":"tool_call","toolCallId":"tc_1","title":"Read file","rawInput":{"path":"/tmp/x"}}}`))

	require.Len(t, events, 1)
	ev := <-events
	require.Equal(t, agent.KindToolStart, ev.Kind)
	assert.Equal(t, "tc_1", ev.ToolStart.ID)
	assert.Equal(t, "Read file", ev.ToolStart.Name)
	assert.JSONEq(t, `{"path":"/tmp/x"}`, string(ev.ToolStart.Input))
}

func TestUpdateSink_ToolCallNoInput(t *testing.T) {
	sink, events := sinkFixture(t)

	sink.handleUpdate([]byte(`{"update":{"sessionUpdate":"tool_call","toolCallId":"tc_2","title":"List"}}`))

	require.Len(t, events, 1)
	ev := <-events
	assert.JSONEq(t, `{}`, string(ev.ToolStart.Input))
}

func TestUpdateSink_ToolCallUpdate(t *testing.T) {
	sink, events := sinkFixture(t)

	sink.handleUpdate([]byte(`{"update":{"sessionUpdate":"tool_call_update","toolCallId":"tc_1","status":"completed"}}`))

	require.Len(t, events, 1)
	ev := <-events
	require.Equal(t, agent.KindToolProgress, ev.Kind)
	assert.Equal(t, "tc_1", ev.ToolProgress.ID)
	assert.Contains(t, string(ev.ToolProgress.Update), "completed")
}

func TestUpdateSink_UnknownKindBecomesCustom(t *testing.T) {
	sink, events := sinkFixture(t)

	sink.handleUpdate([]byte(`{"update":{"sessionUpdate":"agent_thought_chunk","content":{"type":"text","text":"hmm"}}}`))

	require.Len(t, events, 1)
	ev := <-events
	require.Equal(t, agent.KindCustom, ev.Kind)
	assert.Equal(t, "acp.agent_thought_chunk", ev.Custom.Kind)
	assert.Contains(t, string(ev.Custom.Payload), "hmm")
}

func TestUpdateSink_MalformedUpdateIgnored(t *testing.T) {
	sink, events := sinkFixture(t)

	sink.handleUpdate([]byte(`not json`))
	sink.handleUpdate([]byte(`{"update":"not an object"}`))

	assert.Empty(t, events)
}

func TestRPCFrame_RequestShape(t *testing.T) {
	id := int64(7)
	params, err := json.Marshal(map[string]any{"sessionId": "s1"})
	require.NoError(t, err)

	data, err := json.Marshal(rpcFrame{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  "session/prompt",
		Params:  params,
	})
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.JSONEq(t, `"2.0"`, string(decoded["jsonrpc"]))
	assert.JSONEq(t, `7`, string(decoded["id"]))
	assert.JSONEq(t, `"session/prompt"`, string(decoded["method"]))
}

func TestRPCFrame_NotificationOmitsID(t *testing.T) {
	data, err := json.Marshal(rpcFrame{JSONRPC: "2.0", Method: "session/cancel"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
}

func TestNewACPBackend_RequiresBinary(t *testing.T) {
	_, err := NewACPBackend(ACPConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary")
}

func TestACPFactory_InvalidConfig(t *testing.T) {
	_, err := ACPFactory([]byte(`{`))
	assert.Error(t, err)
}
