package models

import (
	"encoding/json"
	"time"
)

// SessionEventKind tags the variant of a SessionEvent.
type SessionEventKind string

const (
	EventSystem     SessionEventKind = "system"
	EventAssistant  SessionEventKind = "assistant"
	EventUser       SessionEventKind = "user"
	EventToolUse    SessionEventKind = "tool_use"
	EventToolResult SessionEventKind = "tool_result"
	EventResult     SessionEventKind = "result"
	EventError      SessionEventKind = "error"
	EventPTYData    SessionEventKind = "pty_data"
	EventRaw        SessionEventKind = "raw"
)

// Valid returns true if the kind is a known value.
func (k SessionEventKind) Valid() bool {
	switch k {
	case EventSystem, EventAssistant, EventUser, EventToolUse, EventToolResult,
		EventResult, EventError, EventPTYData, EventRaw:
		return true
	default:
		return false
	}
}

// SessionEvent is one parsed item emitted by a subprocess, or a synthetic
// event manufactured by the Spawner or Event Bus (e.g. slow_consumer,
// terminal result).
type SessionEvent struct {
	Kind      SessionEventKind `json:"type"`
	Subtype   string           `json:"subtype,omitempty"`
	SessionID string           `json:"session_id"`
	At        time.Time        `json:"at"`

	// Text, ToolName, ToolID and ToolInput are best-effort extractions from
	// the raw record; absence is not an error.
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool,omitempty"`
	ToolID    string          `json:"tool_use_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// UpstreamID is populated only on the system/init event.
	UpstreamID string `json:"upstream_session_id,omitempty"`

	// ErrorReason carries a machine-readable cause for type=error events
	// that did not originate from the subprocess (e.g. "slow_consumer").
	ErrorReason string `json:"error_reason,omitempty"`

	// PTYBytes carries opaque terminal output for type=pty_data events.
	PTYBytes []byte `json:"-"`

	// Raw is the untouched record the subprocess emitted, kept for
	// passthrough to consumers that want the full payload.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// IsTerminal reports whether this event signals the stream has ended.
func (e SessionEvent) IsTerminal() bool {
	return e.Kind == EventResult && e.Subtype == "exit"
}
