// Package chat defines the service-layer contracts of the turn engine.
// Concrete implementations live in internal/client (transport) and
// internal/service/chat (orchestration).
package chat

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"aster/internal/domain/models/chat"
)

// SubmitTurnRequest is a user turn submission
type SubmitTurnRequest struct {
	Message   string `json:"message"`
	SessionID *int64 `json:"session_id,omitempty"`
}

// Validate checks the submission before it goes on the wire
func (r *SubmitTurnRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Message, validation.Required, validation.Length(1, 32768)),
		validation.Field(&r.SessionID, validation.Min(int64(1)).Error("session_id must be positive")),
	)
}

// TurnJob is the async-job contract: the backend accepted the turn and is
// producing the assistant message in the background; the client polls.
type TurnJob struct {
	TaskID    string `json:"task_id"`
	MessageID int64  `json:"message_id"`
	SessionID int64  `json:"session_id"`
	Status    string `json:"status"`
}

// EventStream is a live, push-based event connection for one turn
type EventStream interface {
	// Next returns the next decoded event; io.EOF at end of stream
	Next() (chat.StreamEvent, error)
	// Close severs the connection; safe to call more than once
	Close() error
}

// SubmitResult is the outcome of a submission. Exactly one of Job or
// Stream is set, depending on which contract the backend chose.
type SubmitResult struct {
	Job    *TurnJob
	Stream EventStream
}

// Gateway is the transport surface the engine drives turns through
type Gateway interface {
	// SubmitTurn sends the user's message and returns either an async job
	// descriptor or a live event stream
	SubmitTurn(ctx context.Context, req *SubmitTurnRequest) (*SubmitResult, error)

	// GetMessage fetches the current full snapshot of a message
	GetMessage(ctx context.Context, sessionID, messageID int64) (*chat.Message, error)

	// ListMessages fetches a session's ordered message list
	ListMessages(ctx context.Context, sessionID int64) ([]chat.Message, error)
}
