// Package convert normalizes agent CLI notifications into canonical events.
// Two notification dialects are handled: the direct item/turn/thread family
// and the wrapped codex/event/* family; both land on the same Event shape.
package convert

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/hapi-sh/hapi/internal/common/logger"
	"go.uber.org/zap"
)

// Converter is the per-session notification state machine. It buffers
// streamed deltas per item and flushes them as one event on completion.
// Not safe for concurrent use; each transport feeds exactly one converter
// from its single reader task.
type Converter struct {
	agentMessageBuffers  map[string]string
	reasoningBuffers     map[string]string
	commandOutputBuffers map[string]string
	commandMeta          map[string]string // itemId/callId -> rendered command line
	fileChangeMeta       map[string]json.RawMessage
	// completedItemKeys dedupes completion pairs when the same item ends
	// both via item/completed and via a wrapped codex event.
	completedItemKeys map[string]struct{}

	emit   func(Event)
	logger *logger.Logger
}

// New creates a converter that forwards canonical events to emit.
func New(emit func(Event), log *logger.Logger) *Converter {
	return &Converter{
		agentMessageBuffers:  make(map[string]string),
		reasoningBuffers:     make(map[string]string),
		commandOutputBuffers: make(map[string]string),
		commandMeta:          make(map[string]string),
		fileChangeMeta:       make(map[string]json.RawMessage),
		completedItemKeys:    make(map[string]struct{}),
		emit:                 emit,
		logger:               log.WithFields(zap.String("component", "agent-converter")),
	}
}

// HandleNotification consumes one agent notification in stdout order.
func (c *Converter) HandleNotification(method string, params json.RawMessage) {
	if wrapped, ok := strings.CutPrefix(method, "codex/event/"); ok {
		c.handleWrapped(wrapped, unwrapMsg(params))
		return
	}

	fields := decodeObject(params)
	switch method {
	case "thread/started", "thread/resumed":
		c.emit(Event{Type: EventThreadStarted, ThreadID: getString(fields, "thread_id", "threadId", "id")})
	case "turn/started":
		c.emit(Event{Type: EventTaskStarted})
	case "turn/completed":
		c.handleTurnCompleted(fields)
	case "turn/diff/updated":
		c.emit(Event{Type: EventTurnDiff, Data: params})
	case "turn/plan/updated":
		c.emit(Event{Type: EventTurnPlanUpdated, Data: params})
	case "turn/plan/delta":
		c.emit(Event{Type: EventPlanDelta, Data: params})
	case "thread/tokenUsage/updated":
		c.emit(Event{Type: EventTokenCount, Data: params})
	case "item/started":
		c.handleItemStarted(fields)
	case "item/agentMessage/delta":
		id := itemID(fields)
		c.agentMessageBuffers[id] = MergeDelta(c.agentMessageBuffers[id], getString(fields, "delta", "text"))
	case "item/reasoning/delta":
		id := itemID(fields)
		c.reasoningBuffers[id] = MergeDelta(c.reasoningBuffers[id], getString(fields, "delta", "text"))
	case "item/commandOutput/delta":
		id := itemID(fields)
		c.commandOutputBuffers[id] = MergeDelta(c.commandOutputBuffers[id], decodeChunk(fields))
	case "item/completed":
		c.handleItemCompleted(fields)
	case "error":
		c.handleError(fields)
	default:
		c.logger.Debug("unhandled agent notification", zap.String("method", method))
	}
}

func (c *Converter) handleTurnCompleted(fields map[string]interface{}) {
	switch getString(fields, "status") {
	case "completed":
		c.emit(Event{Type: EventTaskComplete})
	case "failed":
		c.emit(Event{Type: EventTaskFailed, Error: errorMessage(fields)})
	case "interrupted", "cancelled":
		c.emit(Event{Type: EventTurnAborted})
	default:
		c.emit(Event{Type: EventTaskComplete})
	}
}

func (c *Converter) handleItemStarted(fields map[string]interface{}) {
	item := decodeItem(fields)
	id := itemID(item)
	itemType := getString(item, "type")
	switch itemType {
	case "commandExecution":
		command := commandLine(item)
		c.commandMeta[id] = command
		c.emit(Event{Type: EventExecCommandBegin, CallID: id, Command: command})
	case "fileChange":
		raw, _ := json.Marshal(item)
		c.fileChangeMeta[id] = raw
		c.emit(Event{Type: EventPatchApplyBegin, CallID: id, Data: raw})
	case "mcpToolCall", "webSearch", "agentMessage", "reasoning":
		c.emit(Event{Type: EventItemActivity, ItemID: id, ItemType: itemType})
	}
}

func (c *Converter) handleItemCompleted(fields map[string]interface{}) {
	item := decodeItem(fields)
	id := itemID(item)
	itemType := getString(item, "type")
	if c.alreadyCompleted(itemType, id) {
		return
	}

	switch itemType {
	case "agentMessage":
		text := c.agentMessageBuffers[id]
		if text == "" {
			text = getString(item, "text")
		}
		delete(c.agentMessageBuffers, id)
		if text != "" {
			c.emit(Event{Type: EventAgentMessage, ItemID: id, Message: text})
		}
	case "reasoning":
		text := c.reasoningBuffers[id]
		if text == "" {
			text = getString(item, "text")
		}
		delete(c.reasoningBuffers, id)
		if text != "" {
			c.emit(Event{Type: EventAgentReasoning, ItemID: id, Reasoning: text})
		}
	case "commandExecution":
		output := c.commandOutputBuffers[id]
		delete(c.commandOutputBuffers, id)
		delete(c.commandMeta, id)
		c.emit(Event{Type: EventExecCommandEnd, CallID: id, Output: output, ExitCode: intPtr(fields, item)})
	case "fileChange":
		raw := c.fileChangeMeta[id]
		delete(c.fileChangeMeta, id)
		c.emit(Event{Type: EventPatchApplyEnd, CallID: id, Data: raw})
	}
}

// handleWrapped processes the codex/event/* dialect. The payload usually
// lives under a msg key; unwrapMsg has already flattened it.
func (c *Converter) handleWrapped(kind string, fields map[string]interface{}) {
	switch kind {
	case "task_started":
		c.emit(Event{Type: EventTaskStarted})
	case "task_complete":
		// Mid-turn step marker. Deliberately not task_complete: the turn is
		// still running and the thinking spinner must stay on.
		c.emit(Event{Type: EventCodexStepComplete})
	case "exec_command_begin":
		id := getString(fields, "call_id", "callId", "id")
		command := commandLine(fields)
		c.commandMeta[id] = command
		c.emit(Event{Type: EventExecCommandBegin, CallID: id, Command: command})
	case "exec_command_output_delta":
		id := getString(fields, "call_id", "callId", "id")
		c.commandOutputBuffers[id] = MergeDelta(c.commandOutputBuffers[id], decodeChunk(fields))
	case "exec_command_end":
		id := getString(fields, "call_id", "callId", "id")
		if c.alreadyCompleted("commandExecution", id) {
			return
		}
		output := c.commandOutputBuffers[id]
		delete(c.commandOutputBuffers, id)
		delete(c.commandMeta, id)
		c.emit(Event{Type: EventExecCommandEnd, CallID: id, Output: output, ExitCode: intPtr(fields)})
	case "agent_message_delta":
		id := getString(fields, "item_id", "itemId", "id")
		c.agentMessageBuffers[id] = MergeDelta(c.agentMessageBuffers[id], getString(fields, "delta", "message", "text"))
	case "agent_message":
		id := getString(fields, "item_id", "itemId", "id")
		if c.alreadyCompleted("agentMessage", id) {
			return
		}
		text := c.agentMessageBuffers[id]
		if text == "" {
			text = getString(fields, "message", "text")
		}
		delete(c.agentMessageBuffers, id)
		if text != "" {
			c.emit(Event{Type: EventAgentMessage, ItemID: id, Message: text})
		}
	case "turn_diff":
		raw, _ := json.Marshal(fields)
		c.emit(Event{Type: EventTurnDiff, Data: raw})
	case "token_count":
		raw, _ := json.Marshal(fields)
		c.emit(Event{Type: EventTokenCount, Data: raw})
	case "error":
		c.handleError(fields)
	default:
		c.logger.Debug("unhandled wrapped notification", zap.String("kind", kind))
	}
}

func (c *Converter) handleError(fields map[string]interface{}) {
	if b, ok := fields["will_retry"].(bool); ok && b {
		// Transient; the agent retries on its own.
		c.logger.Debug("agent error will retry", zap.String("message", errorMessage(fields)))
		return
	}
	c.emit(Event{Type: EventError, Error: errorMessage(fields)})
}

func (c *Converter) alreadyCompleted(itemType, id string) bool {
	if id == "" {
		return false
	}
	key := itemType + ":" + id
	if _, done := c.completedItemKeys[key]; done {
		return true
	}
	c.completedItemKeys[key] = struct{}{}
	return false
}

// --- dialect decoding helpers ---

func decodeObject(params json.RawMessage) map[string]interface{} {
	fields := map[string]interface{}{}
	_ = json.Unmarshal(params, &fields)
	return fields
}

// unwrapMsg flattens the codex envelope: the payload may sit at the top
// level or under a msg key.
func unwrapMsg(params json.RawMessage) map[string]interface{} {
	fields := decodeObject(params)
	if msg, ok := fields["msg"].(map[string]interface{}); ok {
		return msg
	}
	return fields
}

func decodeItem(fields map[string]interface{}) map[string]interface{} {
	if item, ok := fields["item"].(map[string]interface{}); ok {
		return item
	}
	return fields
}

// getString returns the first present alias as a string.
func getString(fields map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := fields[key].(string); ok {
			return v
		}
	}
	return ""
}

func itemID(fields map[string]interface{}) string {
	return getString(fields, "item_id", "itemId", "id")
}

// commandLine renders the command alias, which arrives either as a string
// or as an argv array.
func commandLine(fields map[string]interface{}) string {
	switch v := fields["command"].(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// decodeChunk extracts an output fragment. Chunks arrive base64-encoded or
// as plain UTF-8; base64 is tried first and rejected when the result is not
// valid text.
func decodeChunk(fields map[string]interface{}) string {
	chunk := getString(fields, "chunk", "delta", "output")
	if chunk == "" {
		return ""
	}
	if decoded, err := base64.StdEncoding.DecodeString(chunk); err == nil && utf8.Valid(decoded) {
		return string(decoded)
	}
	return chunk
}

func errorMessage(fields map[string]interface{}) string {
	if msg := getString(fields, "message", "error"); msg != "" {
		return msg
	}
	if errField, ok := fields["error"].(map[string]interface{}); ok {
		return getString(errField, "message")
	}
	return "unknown agent error"
}

// intPtr extracts exit_code from the first map that carries it.
func intPtr(maps ...map[string]interface{}) *int {
	for _, m := range maps {
		for _, key := range []string{"exit_code", "exitCode"} {
			if v, ok := m[key].(float64); ok {
				code := int(v)
				return &code
			}
		}
	}
	return nil
}
