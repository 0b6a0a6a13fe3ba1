package convert

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi-sh/hapi/internal/common/logger"
)

func newTestConverter() (*Converter, *[]Event) {
	events := &[]Event{}
	c := New(func(e Event) { *events = append(*events, e) }, logger.Default())
	return c, events
}

func notify(c *Converter, method, params string) {
	c.HandleNotification(method, json.RawMessage(params))
}

func TestAgentMessageDeltas_FlushOnCompletion(t *testing.T) {
	c, events := newTestConverter()

	notify(c, "item/agentMessage/delta", `{"itemId":"m","delta":"Hey"}`)
	notify(c, "item/agentMessage/delta", `{"itemId":"m","delta":"Hey!"}`)
	notify(c, "item/agentMessage/delta", `{"itemId":"m","delta":"Hey! 👋"}`)
	notify(c, "item/completed", `{"item":{"id":"m","type":"agentMessage"}}`)

	require.Len(t, *events, 1)
	assert.Equal(t, EventAgentMessage, (*events)[0].Type)
	assert.Equal(t, "Hey! 👋", (*events)[0].Message)
}

func TestWrappedCommandDecode(t *testing.T) {
	c, events := newTestConverter()

	notify(c, "codex/event/exec_command_begin", `{"msg":{"call_id":"c","command":["/bin/zsh","-lc","echo ok"]}}`)
	chunk := base64.StdEncoding.EncodeToString([]byte("ok"))
	notify(c, "codex/event/exec_command_output_delta", fmt.Sprintf(`{"msg":{"call_id":"c","chunk":"%s"}}`, chunk))
	notify(c, "codex/event/exec_command_end", `{"msg":{"call_id":"c","exit_code":0}}`)

	require.Len(t, *events, 2)
	begin, end := (*events)[0], (*events)[1]
	assert.Equal(t, EventExecCommandBegin, begin.Type)
	assert.Equal(t, "/bin/zsh -lc echo ok", begin.Command)
	assert.Equal(t, EventExecCommandEnd, end.Type)
	assert.Equal(t, "c", end.CallID)
	assert.Equal(t, "ok", end.Output)
	require.NotNil(t, end.ExitCode)
	assert.Equal(t, 0, *end.ExitCode)
}

func TestCodexStepComplete_IsNotTaskComplete(t *testing.T) {
	c, events := newTestConverter()

	notify(c, "codex/event/task_complete", `{}`)

	require.Len(t, *events, 1)
	assert.Equal(t, EventCodexStepComplete, (*events)[0].Type)
}

func TestTurnCompleted_StatusMapping(t *testing.T) {
	tests := []struct {
		params string
		want   EventType
	}{
		{`{"status":"completed"}`, EventTaskComplete},
		{`{"status":"failed","error":"boom"}`, EventTaskFailed},
		{`{"status":"interrupted"}`, EventTurnAborted},
		{`{"status":"cancelled"}`, EventTurnAborted},
	}
	for _, tt := range tests {
		c, events := newTestConverter()
		notify(c, "turn/completed", tt.params)
		require.Len(t, *events, 1)
		assert.Equal(t, tt.want, (*events)[0].Type)
	}
}

func TestTaskFailed_CarriesError(t *testing.T) {
	c, events := newTestConverter()
	notify(c, "turn/completed", `{"status":"failed","error":"quota hit"}`)
	require.Len(t, *events, 1)
	assert.Equal(t, "quota hit", (*events)[0].Error)
}

func TestErrorWillRetry_IsSwallowed(t *testing.T) {
	c, events := newTestConverter()

	notify(c, "error", `{"message":"transient 429","will_retry":true}`)
	assert.Empty(t, *events)

	notify(c, "error", `{"message":"permanent failure","will_retry":false}`)
	require.Len(t, *events, 1)
	assert.Equal(t, EventError, (*events)[0].Type)
	assert.Equal(t, "permanent failure", (*events)[0].Error)
}

func TestCompletedItemKeys_DedupeWrappedAndDirect(t *testing.T) {
	c, events := newTestConverter()

	notify(c, "item/started", `{"item":{"id":"c1","type":"commandExecution","command":"ls"}}`)
	notify(c, "item/commandOutput/delta", `{"itemId":"c1","chunk":"file.txt"}`)
	notify(c, "item/completed", `{"item":{"id":"c1","type":"commandExecution","exit_code":0}}`)
	// Wrapped completion of the same item must not emit a second end event.
	notify(c, "codex/event/exec_command_end", `{"msg":{"call_id":"c1","exit_code":0}}`)

	var ends int
	for _, e := range *events {
		if e.Type == EventExecCommandEnd {
			ends++
		}
	}
	assert.Equal(t, 1, ends)
}

func TestItemActivity(t *testing.T) {
	c, events := newTestConverter()

	for _, itemType := range []string{"mcpToolCall", "webSearch", "agentMessage", "reasoning"} {
		notify(c, "item/started", fmt.Sprintf(`{"item":{"id":"i-%s","type":"%s"}}`, itemType, itemType))
	}

	require.Len(t, *events, 4)
	for i, e := range *events {
		assert.Equal(t, EventItemActivity, e.Type, "event %d", i)
	}
}

func TestThreadStarted_Aliases(t *testing.T) {
	for _, params := range []string{
		`{"thread_id":"t-1"}`,
		`{"threadId":"t-1"}`,
		`{"id":"t-1"}`,
	} {
		c, events := newTestConverter()
		notify(c, "thread/started", params)
		require.Len(t, *events, 1)
		assert.Equal(t, "t-1", (*events)[0].ThreadID)
	}
}

func TestReasoningBuffer_Flush(t *testing.T) {
	c, events := newTestConverter()

	notify(c, "item/reasoning/delta", `{"itemId":"r","delta":"thinking about"}`)
	notify(c, "item/reasoning/delta", `{"itemId":"r","delta":"thinking about it"}`)
	notify(c, "item/completed", `{"item":{"id":"r","type":"reasoning"}}`)

	require.Len(t, *events, 1)
	assert.Equal(t, EventAgentReasoning, (*events)[0].Type)
	assert.Equal(t, "thinking about it", (*events)[0].Reasoning)
}

func TestPlainUTF8Chunk(t *testing.T) {
	c, events := newTestConverter()

	notify(c, "codex/event/exec_command_begin", `{"msg":{"call_id":"c","command":"echo hi"}}`)
	// Not base64: must pass through untouched.
	notify(c, "codex/event/exec_command_output_delta", `{"msg":{"call_id":"c","chunk":"hi there"}}`)
	notify(c, "codex/event/exec_command_end", `{"msg":{"call_id":"c","exit_code":0}}`)

	require.Len(t, *events, 2)
	assert.Equal(t, "hi there", (*events)[1].Output)
}

func TestPatchApplyLifecycle(t *testing.T) {
	c, events := newTestConverter()

	notify(c, "item/started", `{"item":{"id":"f1","type":"fileChange","path":"main.go"}}`)
	notify(c, "item/completed", `{"item":{"id":"f1","type":"fileChange"}}`)

	require.Len(t, *events, 2)
	assert.Equal(t, EventPatchApplyBegin, (*events)[0].Type)
	assert.Equal(t, EventPatchApplyEnd, (*events)[1].Type)
	assert.Equal(t, "f1", (*events)[1].CallID)
}
