package chat

// StreamEvent is one decoded event from the live turn transport.
//
// The wire format is a single JSON object per SSE frame; the codec in
// internal/client/sse turns each frame into exactly one of the concrete
// event types below. The reducer consumes them with a type switch, which
// replaces the ad hoc field-presence branching the wire shape invites.
type StreamEvent interface {
	streamEvent()
}

// ChunkEvent carries an incremental piece of assistant message content.
// Chunks are deltas: the reducer appends them in arrival order.
type ChunkEvent struct {
	Text string
}

// StatusEvent reports an authoritative server-side status, optionally
// with the full current content. Content here REPLACES local content
// (snapshots and resume reads report current truth, not deltas).
type StatusEvent struct {
	Status  string
	Content *string
}

// ToolCallStartedEvent announces a tool invocation. Replays of the same
// tool call id are reduced idempotently.
type ToolCallStartedEvent struct {
	ToolCall ToolCall
}

// ToolResultEvent carries the result for a previously announced tool call
type ToolResultEvent struct {
	ID     string
	Result string
}

// ReasoningEvent carries an incremental piece of the agent's reasoning text
type ReasoningEvent struct {
	Delta string
}

// LogEvent carries one telemetry entry emitted mid-turn
type LogEvent struct {
	Item LogItem
}

// SessionAssignedEvent reports the server-assigned session id.
// At most one per turn, and only when no session existed beforehand.
type SessionAssignedEvent struct {
	SessionID int64
}

// PatientReferencesEvent replaces the message's patient reference set
// wholesale; the server always sends the complete set.
type PatientReferencesEvent struct {
	References []PatientReference
}

// ProgressEvent carries advisory iteration/phase metadata. It is decoded
// for observability but has no effect on message state.
type ProgressEvent struct {
	Iteration int
	Phase     string
}

// DoneEvent marks the successful end of a turn
type DoneEvent struct{}

// ErrorEvent reports a server-side turn failure
type ErrorEvent struct {
	Message string
}

// UsageEvent reports token usage for the turn
type UsageEvent struct {
	Usage TokenUsage
}

func (ChunkEvent) streamEvent()             {}
func (StatusEvent) streamEvent()            {}
func (ToolCallStartedEvent) streamEvent()   {}
func (ToolResultEvent) streamEvent()        {}
func (ReasoningEvent) streamEvent()         {}
func (LogEvent) streamEvent()               {}
func (SessionAssignedEvent) streamEvent()   {}
func (PatientReferencesEvent) streamEvent() {}
func (ProgressEvent) streamEvent()          {}
func (DoneEvent) streamEvent()              {}
func (ErrorEvent) streamEvent()             {}
func (UsageEvent) streamEvent()             {}
