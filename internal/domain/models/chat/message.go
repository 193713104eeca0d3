package chat

import (
	"encoding/json"
	"time"
)

// Message status constants
const (
	StatusPending     = "pending"
	StatusStreaming   = "streaming"
	StatusCompleted   = "completed"
	StatusError       = "error"
	StatusInterrupted = "interrupted"
)

// Role constants
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// IsTerminalStatus returns true for statuses after which a message is immutable
func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusError || status == StatusInterrupted
}

// Message is one entry in a session's conversation.
//
// User messages are implicitly completed the moment they are created.
// Assistant messages start as "pending", accumulate content while
// "streaming", and freeze once a terminal status is reached: after that
// no reducer rule may touch them.
type Message struct {
	ID                int64              `json:"id"`
	SessionID         int64              `json:"session_id,omitempty"`
	Role              string             `json:"role"` // "user" or "assistant"
	Content           string             `json:"content"`
	Status            string             `json:"status"` // "pending", "streaming", "completed", "error", "interrupted"
	ToolCalls         []ToolCall         `json:"tool_calls,omitempty"`
	Reasoning         string             `json:"reasoning,omitempty"`
	Logs              []LogItem          `json:"logs,omitempty"`
	PatientReferences []PatientReference `json:"patient_references,omitempty"`
	TokenUsage        *TokenUsage        `json:"token_usage,omitempty"`
	CreatedAt         time.Time          `json:"created_at,omitempty"`
}

// IsTerminal returns true once the message has reached a terminal status
func (m *Message) IsTerminal() bool {
	return IsTerminalStatus(m.Status)
}

// FindToolCall returns the index of the tool call with the given id, or -1
func (m *Message) FindToolCall(id string) int {
	for i := range m.ToolCalls {
		if m.ToolCalls[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the message.
// The reducer operates on copies so callers never observe partial updates.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	if m.Logs != nil {
		out.Logs = make([]LogItem, len(m.Logs))
		copy(out.Logs, m.Logs)
	}
	if m.PatientReferences != nil {
		out.PatientReferences = make([]PatientReference, len(m.PatientReferences))
		copy(out.PatientReferences, m.PatientReferences)
	}
	if m.TokenUsage != nil {
		usage := *m.TokenUsage
		out.TokenUsage = &usage
	}
	return out
}

// ToolCall is a single tool invocation surfaced inside an assistant message.
// A tool call transitions exactly once from "no result" to "has result" and
// is never removed from the message.
type ToolCall struct {
	ID     string          `json:"id"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result *string         `json:"result,omitempty"`
}

// PatientReference marks a span of message content that refers to a patient.
// Offsets are half-open [StartIndex, EndIndex) into Content.
type PatientReference struct {
	PatientID   int64  `json:"patient_id"`
	PatientName string `json:"patient_name"`
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"`
}

// TokenUsage reports token counts for a completed turn
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// LogItem is an append-only telemetry entry emitted by the agent during a turn
type LogItem struct {
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}
