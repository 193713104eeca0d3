package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"aster/internal/domain"
	chatModels "aster/internal/domain/models/chat"
	chatSvc "aster/internal/domain/services/chat"
)

// State is the lifecycle of a single turn
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateStreaming
	StatePolling
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateStreaming:
		return "streaming"
	case StatePolling:
		return "polling"
	case StateTerminal:
		return "terminal"
	}
	return "unknown"
}

// TurnCallbacks observe one turn from the outside. The UI layer renders
// from the message copies it receives here; it never mutates them.
//
// After Cancel() none of these fire again, including invocations already
// scheduled on a pending timer.
type TurnCallbacks struct {
	// OnUpdate fires with a copy of the message after every applied event
	OnUpdate func(msg chatModels.Message)
	// OnSessionAssigned fires at most once, when the server assigns a
	// session id to a first-message turn
	OnSessionAssigned func(sessionID int64)
	// OnTerminal fires once when the turn settles. err is non-nil for
	// transport/timeout failure paths; server-reported errors surface in
	// the message itself (status "error")
	OnTerminal func(msg chatModels.Message, err error)
}

// TurnController orchestrates a single agent turn:
//
//	Idle -> Submitting -> {Streaming | Polling} -> Terminal
//
// It is the single writer for its message: no other component may mutate
// the same message id while this controller is live. All mutation goes
// through the reducer under the controller's mutex, which serializes
// reduce calls the way a single-threaded event loop would.
type TurnController struct {
	id      uuid.UUID // correlation id for logs
	gateway chatSvc.Gateway
	poller  *Poller
	logger  *slog.Logger
	cb      TurnCallbacks
	poll    PollOptions

	mu           sync.Mutex
	state        State
	msg          chatModels.Message
	sessionID    *int64
	resume       bool
	submitFailed bool
	cancelled    bool
	cancelPoll   func()
	closeStream  func() error
	// Results that arrived before their tool_call start event; re-applied
	// once the call appears instead of being discarded outright
	orphanResults map[string]string

	done      chan struct{}
	closeOnce sync.Once
}

// NewTurnController creates a controller in the Idle state
func NewTurnController(gateway chatSvc.Gateway, logger *slog.Logger, poll PollOptions, cb TurnCallbacks) *TurnController {
	id := uuid.New()
	return &TurnController{
		id:      id,
		gateway: gateway,
		poller:  NewPoller(gateway, logger),
		logger:  logger.With("turn", id.String()),
		cb:      cb,
		poll:    poll,
		state:   StateIdle,
		msg: chatModels.Message{
			Role:   chatModels.RoleAssistant,
			Status: chatModels.StatusPending,
		},
		orphanResults: make(map[string]string),
		done:          make(chan struct{}),
	}
}

// Message returns a copy of the controller's current message
func (c *TurnController) Message() chatModels.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msg.Clone()
}

// State returns the controller's current lifecycle state
func (c *TurnController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session id once known, or nil
func (c *TurnController) SessionID() *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == nil {
		return nil
	}
	id := *c.sessionID
	return &id
}

// Done is closed when the turn reaches Terminal (or is cancelled)
func (c *TurnController) Done() <-chan struct{} {
	return c.done
}

// Start submits the user's text and drives the turn to completion in the
// background. A pending placeholder message exists from the moment Start
// returns, so the UI can render optimistically.
func (c *TurnController) Start(ctx context.Context, text string, sessionID *int64) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return errors.New("turn controller already started")
	}
	c.state = StateSubmitting
	c.sessionID = sessionID
	c.mu.Unlock()

	c.logger.Debug("turn submitting", "has_session", sessionID != nil)

	go c.submit(ctx, text, sessionID)
	return nil
}

// Resume reattaches to an in-flight message without re-sending the user's
// request: Submitting is skipped and the controller enters Polling
// directly. last is the message's last persisted state, rendered as-is.
func (c *TurnController) Resume(sessionID, messageID int64, last chatModels.Message) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return errors.New("turn controller already started")
	}
	sid := sessionID
	c.sessionID = &sid
	c.msg = last.Clone()
	c.resume = true
	c.mu.Unlock()

	c.logger.Debug("resuming in-flight turn",
		"session_id", sessionID,
		"message_id", messageID,
		"status", last.Status,
	)

	c.startPolling(sessionID, messageID)
	return nil
}

// Cancel severs the transport and freezes the message at its last known
// value, with status "interrupted" unless it already settled. Idempotent;
// after Cancel returns, no further callback begins.
func (c *TurnController) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	wasTerminal := c.state == StateTerminal
	if !wasTerminal && !c.msg.IsTerminal() {
		c.msg.Status = chatModels.StatusInterrupted
	}
	c.state = StateTerminal
	cancelPoll := c.cancelPoll
	closeStream := c.closeStream
	c.mu.Unlock()

	if cancelPoll != nil {
		cancelPoll()
	}
	if closeStream != nil {
		_ = closeStream()
	}
	if !wasTerminal {
		c.logger.Debug("turn cancelled")
	}
	c.closeDone()
}

func (c *TurnController) closeDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

// submit runs in the background after Start
func (c *TurnController) submit(ctx context.Context, text string, sessionID *int64) {
	result, err := c.gateway.SubmitTurn(ctx, &chatSvc.SubmitTurnRequest{
		Message:   text,
		SessionID: sessionID,
	})
	if err != nil {
		c.fail(err)
		return
	}

	if result.Stream != nil {
		c.mu.Lock()
		if c.cancelled {
			c.mu.Unlock()
			_ = result.Stream.Close()
			return
		}
		c.state = StateStreaming
		c.closeStream = result.Stream.Close
		c.mu.Unlock()
		c.consumeStream(result.Stream)
		return
	}

	job := result.Job
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.msg.ID = job.MessageID
	c.msg.SessionID = job.SessionID
	if job.Status != "" {
		c.msg.Status = job.Status
	}
	newSession := c.sessionID == nil
	sid := job.SessionID
	c.sessionID = &sid
	c.mu.Unlock()

	if newSession && c.cb.OnSessionAssigned != nil && !c.isCancelled() {
		c.cb.OnSessionAssigned(job.SessionID)
	}
	c.emitUpdate()
	c.startPolling(job.SessionID, job.MessageID)
}

// consumeStream decodes and folds events until the stream ends
func (c *TurnController) consumeStream(stream chatSvc.EventStream) {
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("stream read failed", "error", err)
			}
			// The server's Done/Error sentinel is authoritative; a drop
			// without one leaves the turn in flight
			c.streamEnded()
			return
		}
		if done := c.apply(ev); done {
			return
		}
	}
}

// apply folds one stream event into the message under the controller's
// mutex. Returns true once the turn is terminal.
func (c *TurnController) apply(ev chatModels.StreamEvent) bool {
	c.mu.Lock()
	if c.cancelled || c.state == StateTerminal {
		c.mu.Unlock()
		return true
	}

	var assigned *int64
	switch e := ev.(type) {
	case chatModels.SessionAssignedEvent:
		if c.sessionID == nil {
			sid := e.SessionID
			c.sessionID = &sid
			c.msg.SessionID = sid
			assigned = &sid
		}

	case chatModels.ToolResultEvent:
		if c.msg.FindToolCall(e.ID) < 0 {
			// Result raced ahead of its start event: hold it instead of
			// losing it, and let the reducer's own no-op stand
			c.orphanResults[e.ID] = e.Result
		}
		c.msg = Reduce(c.msg, ev)

	case chatModels.ToolCallStartedEvent:
		c.msg = Reduce(c.msg, ev)
		if result, ok := c.orphanResults[e.ToolCall.ID]; ok {
			delete(c.orphanResults, e.ToolCall.ID)
			c.msg = Reduce(c.msg, chatModels.ToolResultEvent{ID: e.ToolCall.ID, Result: result})
		}

	default:
		c.msg = Reduce(c.msg, ev)
	}

	terminal := c.msg.IsTerminal()
	if terminal {
		c.state = StateTerminal
	}
	c.mu.Unlock()

	if assigned != nil && c.cb.OnSessionAssigned != nil && !c.isCancelled() {
		c.cb.OnSessionAssigned(*assigned)
	}
	c.emitUpdate()
	if terminal {
		c.finish(nil)
	}
	return terminal
}

// streamEnded handles the stream closing without a terminal sentinel.
// If the message id is known the controller switches transports and keeps
// following the turn by polling; otherwise the turn freezes as interrupted
// and the session resumer picks it up on next load.
func (c *TurnController) streamEnded() {
	c.mu.Lock()
	if c.cancelled || c.state == StateTerminal {
		c.mu.Unlock()
		return
	}
	sessionID := c.sessionID
	messageID := c.msg.ID
	closeStream := c.closeStream
	c.closeStream = nil
	c.mu.Unlock()

	// Old transport is severed before the new one starts
	if closeStream != nil {
		_ = closeStream()
	}

	if sessionID != nil && messageID != 0 {
		c.logger.Debug("stream dropped mid-turn, switching to polling",
			"session_id", *sessionID,
			"message_id", messageID,
		)
		c.startPolling(*sessionID, messageID)
		return
	}

	// Without ids there is nothing to reattach to from here
	c.mu.Lock()
	if !c.msg.IsTerminal() {
		c.msg.Status = chatModels.StatusInterrupted
	}
	c.state = StateTerminal
	c.mu.Unlock()

	c.logger.Warn("stream dropped without terminal sentinel, marking interrupted")
	c.emitUpdate()
	c.finish(nil)
}

// startPolling moves the controller into the Polling state
func (c *TurnController) startPolling(sessionID, messageID int64) {
	c.mu.Lock()
	if c.cancelled || c.state == StateTerminal {
		c.mu.Unlock()
		return
	}
	c.state = StatePolling
	seed := c.msg.Clone()
	opts := c.poll
	if c.resume && opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultResumeInitialDelay
	}

	cancel := c.poller.Poll(sessionID, messageID, &seed, PollCallbacks{
		OnUpdate:   func(snap *chatModels.Message) { c.applySnapshot(snap, false) },
		OnComplete: func(snap *chatModels.Message) { c.applySnapshot(snap, true) },
		OnError:    c.pollFailed,
	}, opts)
	c.cancelPoll = cancel
	c.mu.Unlock()
}

// applySnapshot folds a polled snapshot; terminal snapshots settle the turn
func (c *TurnController) applySnapshot(snap *chatModels.Message, terminal bool) {
	c.mu.Lock()
	if c.cancelled || c.state == StateTerminal {
		c.mu.Unlock()
		return
	}
	c.msg = ReduceSnapshot(c.msg, snap)
	if c.msg.ID == 0 {
		c.msg.ID = snap.ID
	}
	reconcile := terminal && c.resume
	var sessionID int64
	if reconcile && c.sessionID != nil {
		sessionID = *c.sessionID
	}
	if terminal {
		c.state = StateTerminal
	}
	c.mu.Unlock()

	if reconcile {
		c.reconcile(sessionID)
	}
	c.emitUpdate()
	if terminal {
		c.finish(nil)
	}
}

// reconcile reloads the settled message once after a resumed poll, picking
// up server-side fields (reasoning, tool calls) the incremental view from a
// prior tab may have missed.
func (c *TurnController) reconcile(sessionID int64) {
	messages, err := c.gateway.ListMessages(context.Background(), sessionID)
	if err != nil {
		c.logger.Warn("post-resume reconciliation failed", "error", err)
		return
	}
	c.mu.Lock()
	for i := range messages {
		if messages[i].ID == c.msg.ID {
			c.msg = messages[i].Clone()
			break
		}
	}
	c.mu.Unlock()
}

// pollFailed settles the turn after the poller gives up
func (c *TurnController) pollFailed(err error) {
	c.mu.Lock()
	if c.cancelled || c.state == StateTerminal {
		c.mu.Unlock()
		return
	}
	if !c.msg.IsTerminal() {
		if errors.Is(err, domain.ErrTimeout) {
			// Distinct user-visible message from a server-reported error
			c.msg.Status = chatModels.StatusError
			c.msg.Content += "\n\n" + timeoutNotice
		} else {
			// Connection lost without an authoritative verdict: the turn
			// is interrupted, not failed, and resumable on next load
			c.msg.Status = chatModels.StatusInterrupted
		}
	}
	c.state = StateTerminal
	c.mu.Unlock()

	c.emitUpdate()
	c.finish(err)
}

// SubmitFailed reports whether the turn never made it past submission.
// The service uses this to roll back its optimistic local mutations.
func (c *TurnController) SubmitFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitFailed
}

// fail settles the turn after a submit-time failure
func (c *TurnController) fail(err error) {
	c.mu.Lock()
	if c.cancelled || c.state == StateTerminal {
		c.mu.Unlock()
		return
	}
	c.submitFailed = true
	if !c.msg.IsTerminal() {
		c.msg.Status = chatModels.StatusError
		c.msg.Content += "\n\n" + errorNotice
	}
	c.state = StateTerminal
	c.mu.Unlock()

	c.logger.Warn("turn submission failed", "error", err)
	c.emitUpdate()
	c.finish(err)
}

func (c *TurnController) emitUpdate() {
	c.mu.Lock()
	if c.cancelled || c.cb.OnUpdate == nil {
		c.mu.Unlock()
		return
	}
	msg := c.msg.Clone()
	c.mu.Unlock()
	c.cb.OnUpdate(msg)
}

func (c *TurnController) finish(err error) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	msg := c.msg.Clone()
	c.mu.Unlock()

	c.logger.Debug("turn settled", "status", msg.Status, "error", err)
	if c.cb.OnTerminal != nil {
		c.cb.OnTerminal(msg, err)
	}
	c.closeDone()
}

func (c *TurnController) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}
