// Package chat implements the turn engine: the reducer, poller, turn
// controller, resumer, and the session-level service that owns them.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aster/internal/domain"
	chatModels "aster/internal/domain/models/chat"
	chatSvc "aster/internal/domain/services/chat"
	"aster/internal/session"
)

// Options configures the service's poll schedules
type Options struct {
	// Poll is the schedule for turns submitted under the async-job contract
	Poll PollOptions
	// ResumePoll is the schedule for reattached turns; its initial delay
	// is shorter because the message is known to be in flight
	ResumePoll PollOptions
}

func (o Options) withDefaults() Options {
	o.Poll = o.Poll.withDefaults()
	if o.ResumePoll.InitialDelay <= 0 {
		o.ResumePoll.InitialDelay = DefaultResumeInitialDelay
	}
	o.ResumePoll = o.ResumePoll.withDefaults()
	return o
}

// Service is the session-level orchestrator. It owns at most one live
// TurnController at a time: starting a new turn always cancels the prior
// controller first, even when that controller targets a different message,
// so no orphaned poller can outlive a resubmission or a "new chat".
//
// The controller instance lives here, not in transient UI state; the UI
// only observes it through callbacks and read-only snapshots.
type Service struct {
	gateway chatSvc.Gateway
	store   *session.Store
	resumer *Resumer
	logger  *slog.Logger
	opts    Options

	mu         sync.Mutex
	controller *TurnController
	sessionID  *int64
	messages   []chatModels.Message
}

// NewService creates the orchestrator
func NewService(gateway chatSvc.Gateway, store *session.Store, logger *slog.Logger, opts Options) *Service {
	return &Service{
		gateway: gateway,
		store:   store,
		resumer: NewResumer(gateway, logger),
		logger:  logger,
		opts:    opts.withDefaults(),
	}
}

// SessionID returns the current session id once one is known
func (s *Service) SessionID() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == nil {
		return nil
	}
	id := *s.sessionID
	return &id
}

// Messages returns a copy of the current session's message list
func (s *Service) Messages() []chatModels.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatModels.Message, len(s.messages))
	for i := range s.messages {
		out[i] = s.messages[i].Clone()
	}
	return out
}

// CancelActive cancels the live controller, if any. Safe when idle.
func (s *Service) CancelActive() {
	s.mu.Lock()
	prev := s.controller
	s.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}
}

// Reset forgets the current session and message list ("new chat").
// Any live turn is cancelled first.
func (s *Service) Reset() {
	s.CancelActive()
	s.mu.Lock()
	s.sessionID = nil
	s.messages = nil
	s.controller = nil
	s.mu.Unlock()
}

// Submit starts a new turn for the user's text.
//
// The user message and a pending assistant placeholder are applied to the
// local view immediately (optimistic); if the submission itself fails the
// change is compensated by restoring the prior list.
func (s *Service) Submit(ctx context.Context, text string, cb TurnCallbacks) (*TurnController, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: message must not be empty", domain.ErrValidation)
	}

	s.CancelActive()

	s.mu.Lock()
	sessionID := s.sessionID

	// Optimistic local mutation: tentative user message plus pending
	// assistant placeholder, compensated on submit failure
	userIdx := len(s.messages)
	s.messages = append(s.messages,
		chatModels.Message{
			Role:      chatModels.RoleUser,
			Content:   text,
			Status:    chatModels.StatusCompleted,
			CreatedAt: time.Now(),
		},
		chatModels.Message{
			Role:   chatModels.RoleAssistant,
			Status: chatModels.StatusPending,
		},
	)
	assistantIdx := userIdx + 1

	ctrl := NewTurnController(s.gateway, s.logger, s.opts.Poll, TurnCallbacks{
		OnUpdate: func(msg chatModels.Message) {
			s.setMessageAt(assistantIdx, msg)
			if cb.OnUpdate != nil {
				cb.OnUpdate(msg)
			}
		},
		OnSessionAssigned: func(id int64) {
			s.adoptSession(id)
			if cb.OnSessionAssigned != nil {
				cb.OnSessionAssigned(id)
			}
		},
		OnTerminal: func(msg chatModels.Message, err error) {
			s.settleSubmit(assistantIdx, msg, err)
			if cb.OnTerminal != nil {
				cb.OnTerminal(msg, err)
			}
		},
	})
	s.controller = ctrl
	s.mu.Unlock()

	if err := ctrl.Start(ctx, text, sessionID); err != nil {
		return nil, err
	}
	return ctrl, nil
}

// Open loads a session and, when an in-flight assistant message is found,
// reattaches a controller to it in resume mode. The in-flight message is
// surfaced as-is before polling begins, and no POST /chat is (re)issued.
// Returns nil when the session has no turn to resume.
func (s *Service) Open(ctx context.Context, sessionID int64, cb TurnCallbacks) (*TurnController, error) {
	s.CancelActive()

	messages, inflight, err := s.resumer.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", sessionID, err)
	}

	s.mu.Lock()
	sid := sessionID
	s.sessionID = &sid
	s.messages = messages
	s.store.Put(chatModels.Session{ID: sessionID, Messages: messages})
	if err := s.store.SaveCurrent(sessionID); err != nil {
		s.logger.Warn("failed to persist current session", "error", err)
	}

	if inflight == nil {
		s.mu.Unlock()
		return nil, nil
	}

	idx := -1
	for i := range s.messages {
		if s.messages[i].ID == inflight.ID {
			idx = i
			break
		}
	}
	messageIdx := idx

	ctrl := NewTurnController(s.gateway, s.logger, s.opts.ResumePoll, TurnCallbacks{
		OnUpdate: func(msg chatModels.Message) {
			s.setMessageAt(messageIdx, msg)
			if cb.OnUpdate != nil {
				cb.OnUpdate(msg)
			}
		},
		OnTerminal: func(msg chatModels.Message, err error) {
			s.setMessageAt(messageIdx, msg)
			s.cacheCurrent()
			if cb.OnTerminal != nil {
				cb.OnTerminal(msg, err)
			}
		},
	})
	s.controller = ctrl
	last := inflight.Clone()
	s.mu.Unlock()

	if err := ctrl.Resume(sessionID, inflight.ID, last); err != nil {
		return nil, err
	}
	return ctrl, nil
}

// adoptSession records a server-assigned session id
func (s *Service) adoptSession(id int64) {
	s.mu.Lock()
	sid := id
	s.sessionID = &sid
	s.mu.Unlock()
	if err := s.store.SaveCurrent(id); err != nil {
		s.logger.Warn("failed to persist current session", "error", err)
	}
}

// setMessageAt replaces the message at idx with the controller's copy
func (s *Service) setMessageAt(idx int, msg chatModels.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= 0 && idx < len(s.messages) {
		s.messages[idx] = msg
	}
}

// settleSubmit finalizes the optimistic mutation for a submitted turn.
// A submission that never reached the server is compensated: the tentative
// user message and placeholder are removed again.
func (s *Service) settleSubmit(assistantIdx int, msg chatModels.Message, err error) {
	s.mu.Lock()
	rollback := err != nil && s.controller != nil && s.controller.SubmitFailed()
	if rollback && assistantIdx >= 1 && assistantIdx < len(s.messages) {
		s.messages = append(s.messages[:assistantIdx-1], s.messages[assistantIdx+1:]...)
	} else if assistantIdx >= 0 && assistantIdx < len(s.messages) {
		s.messages[assistantIdx] = msg
	}
	s.mu.Unlock()

	if rollback {
		s.logger.Warn("submission failed, reverted optimistic messages", "error", err)
		return
	}
	s.cacheCurrent()
}

// cacheCurrent refreshes the local session cache after a settled turn
func (s *Service) cacheCurrent() {
	s.mu.Lock()
	if s.sessionID == nil {
		s.mu.Unlock()
		return
	}
	sess := chatModels.Session{ID: *s.sessionID, Messages: s.messages}
	s.mu.Unlock()
	s.store.Put(sess)
}
