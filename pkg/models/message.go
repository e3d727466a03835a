// Package models provides domain types for the Axon agent runtime.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation. Ordering within a conversation is
// strictly append-only; a tool message must follow the assistant message that
// declared its tool-call id.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name are set only for Role == RoleTool: the call this
	// message answers and the answering tool's name.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ToolCall represents a model's request to execute a tool. Input holds the
// argument payload as the model produced it: either a JSON object or a JSON
// string containing unparsed argument text.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ActionStatus classifies a completed tool execution.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionError   ActionStatus = "error"
)

// CompletedAction records one finished tool execution on a request, in
// execution order. Summary holds at most SummaryMaxLen characters of the
// tool's output, with an ellipsis marker when truncated.
type CompletedAction struct {
	Tool    string       `json:"tool"`
	Status  ActionStatus `json:"status"`
	Summary string       `json:"summary"`
}

// SummaryMaxLen caps CompletedAction.Summary length in characters.
const SummaryMaxLen = 150

// SummaryEllipsis marks a truncated CompletedAction.Summary.
const SummaryEllipsis = "…"

// Summarize truncates tool output to the completed-action summary length,
// counting characters (runes), not bytes.
func Summarize(output string) string {
	runes := []rune(output)
	if len(runes) <= SummaryMaxLen {
		return output
	}
	return string(runes[:SummaryMaxLen]) + SummaryEllipsis
}

// ToolFailure pairs a tool name with the error text it produced. Failures
// accumulate on the request context and are surfaced to the next turn.
type ToolFailure struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
}
