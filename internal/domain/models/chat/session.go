package chat

import (
	"time"
)

// Session is a conversation with the assistant.
// Sessions are created server-side by the first user message; the client
// never deletes them, it only caches them locally keyed by id.
type Session struct {
	ID        int64     `json:"id"`
	Messages  []Message `json:"messages"` // chronological by creation
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// InFlightMessage returns the first assistant message that is still
// pending or streaming, or nil if every message is settled. Used on
// session load to decide whether a turn must be reattached.
func (s *Session) InFlightMessage() *Message {
	for i := range s.Messages {
		m := &s.Messages[i]
		if m.Role == RoleAssistant && !m.IsTerminal() {
			return m
		}
	}
	return nil
}
