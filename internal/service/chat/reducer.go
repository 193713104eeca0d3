package chat

import (
	chatModels "aster/internal/domain/models/chat"
)

// User-visible notices appended to a message that ends badly. They are
// appended to whatever content already streamed, never replacing it.
const (
	errorNotice   = "Something went wrong while generating this response."
	timeoutNotice = "The assistant is taking too long to respond. Reopen this conversation to check for the final answer."
)

// Reduce folds one stream event into a message and returns the updated
// copy. It is a pure function: the input message is never mutated, and the
// same (message, event) pair always yields the same result.
//
// A terminal message is immutable; every rule below is gated on that.
func Reduce(m chatModels.Message, ev chatModels.StreamEvent) chatModels.Message {
	if m.IsTerminal() {
		return m
	}
	out := m.Clone()

	switch e := ev.(type) {
	case chatModels.ChunkEvent:
		out.Content += e.Text
		if out.Status == chatModels.StatusPending {
			out.Status = chatModels.StatusStreaming
		}

	case chatModels.StatusEvent:
		// Status events report authoritative server state: content, when
		// present, replaces rather than appends.
		if e.Content != nil {
			out.Content = *e.Content
		}
		out.Status = e.Status

	case chatModels.ToolCallStartedEvent:
		// Idempotent against replays and resumption
		if out.FindToolCall(e.ToolCall.ID) < 0 {
			out.ToolCalls = append(out.ToolCalls, e.ToolCall)
		}

	case chatModels.ToolResultEvent:
		// A result for an unknown call is dropped: during a race the start
		// event may not be reflected client-side yet. The controller keeps
		// a short-lived side buffer for exactly this case.
		if i := out.FindToolCall(e.ID); i >= 0 && out.ToolCalls[i].Result == nil {
			result := e.Result
			out.ToolCalls[i].Result = &result
		}

	case chatModels.ReasoningEvent:
		out.Reasoning += e.Delta

	case chatModels.LogEvent:
		// Logs are append-only telemetry, never de-duplicated
		out.Logs = append(out.Logs, e.Item)

	case chatModels.PatientReferencesEvent:
		// Always sent as a complete set; replace wholesale
		out.PatientReferences = make([]chatModels.PatientReference, len(e.References))
		copy(out.PatientReferences, e.References)

	case chatModels.UsageEvent:
		usage := e.Usage
		out.TokenUsage = &usage

	case chatModels.DoneEvent:
		out.Status = chatModels.StatusCompleted

	case chatModels.ErrorEvent:
		out.Status = chatModels.StatusError
		out.Content += "\n\n" + errorNotice

	case chatModels.SessionAssignedEvent, chatModels.ProgressEvent:
		// Session assignment is handled by the controller; progress
		// metadata is advisory only
	}

	return out
}

// ReduceSnapshot folds a polled snapshot into a message.
//
// The poller has no notion of "what changed since last time" - it only
// knows current truth - so every field is taken with replace semantics,
// never delta-appended.
func ReduceSnapshot(m chatModels.Message, snap *chatModels.Message) chatModels.Message {
	if m.IsTerminal() {
		return m
	}
	out := m.Clone()

	out.Content = snap.Content
	out.Status = snap.Status
	out.Reasoning = snap.Reasoning

	if len(snap.ToolCalls) > 0 || len(out.ToolCalls) == 0 {
		out.ToolCalls = make([]chatModels.ToolCall, len(snap.ToolCalls))
		copy(out.ToolCalls, snap.ToolCalls)
	}
	if snap.Logs != nil {
		out.Logs = make([]chatModels.LogItem, len(snap.Logs))
		copy(out.Logs, snap.Logs)
	}
	if snap.PatientReferences != nil {
		out.PatientReferences = make([]chatModels.PatientReference, len(snap.PatientReferences))
		copy(out.PatientReferences, snap.PatientReferences)
	}
	if snap.TokenUsage != nil {
		usage := *snap.TokenUsage
		out.TokenUsage = &usage
	}

	return out
}
