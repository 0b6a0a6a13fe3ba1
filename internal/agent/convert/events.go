package convert

import "encoding/json"

// EventType enumerates the canonical agent events every downstream consumer
// sees, regardless of which notification dialect the CLI speaks.
type EventType string

const (
	EventThreadStarted     EventType = "thread_started"
	EventTaskStarted       EventType = "task_started"
	EventTaskComplete      EventType = "task_complete"
	EventTaskFailed        EventType = "task_failed"
	EventTurnAborted       EventType = "turn_aborted"
	EventCodexStepComplete EventType = "codex_step_complete"
	EventAgentMessage      EventType = "agent_message"
	EventAgentReasoning    EventType = "agent_reasoning"
	EventExecCommandBegin  EventType = "exec_command_begin"
	EventExecCommandEnd    EventType = "exec_command_end"
	EventPatchApplyBegin   EventType = "patch_apply_begin"
	EventPatchApplyEnd     EventType = "patch_apply_end"
	EventItemActivity      EventType = "item_activity"
	EventTurnDiff          EventType = "turn_diff"
	EventTurnPlanUpdated   EventType = "turn_plan_updated"
	EventPlanDelta         EventType = "plan_delta"
	EventTokenCount        EventType = "token_count"
	EventError             EventType = "error"
)

// Event is the canonical form of one agent notification after dialect
// normalization and delta reconstruction.
type Event struct {
	Type      EventType       `json:"type"`
	ThreadID  string          `json:"threadId,omitempty"`
	ItemID    string          `json:"itemId,omitempty"`
	ItemType  string          `json:"itemType,omitempty"`
	Message   string          `json:"message,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	CallID    string          `json:"callId,omitempty"`
	Command   string          `json:"command,omitempty"`
	Output    string          `json:"output,omitempty"`
	ExitCode  *int            `json:"exitCode,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}
