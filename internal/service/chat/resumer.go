package chat

import (
	"context"
	"log/slog"

	chatModels "aster/internal/domain/models/chat"
	chatSvc "aster/internal/domain/services/chat"
)

// Resumer inspects a session's persisted history for a turn that is still
// in flight server-side, so the service can reattach a controller to it
// instead of re-sending anything.
type Resumer struct {
	gateway chatSvc.Gateway
	logger  *slog.Logger
}

// NewResumer creates a resumer over the given transport gateway
func NewResumer(gateway chatSvc.Gateway, logger *slog.Logger) *Resumer {
	return &Resumer{gateway: gateway, logger: logger}
}

// Load fetches the session's full ordered message list and scans it for an
// assistant message that has not settled. The in-flight message (if any)
// points into the returned slice.
func (r *Resumer) Load(ctx context.Context, sessionID int64) ([]chatModels.Message, *chatModels.Message, error) {
	messages, err := r.gateway.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	sess := chatModels.Session{ID: sessionID, Messages: messages}
	inflight := sess.InFlightMessage()
	if inflight != nil {
		r.logger.Info("found in-flight message on session load",
			"session_id", sessionID,
			"message_id", inflight.ID,
			"status", inflight.Status,
		)
	}
	return messages, inflight, nil
}
