package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	chatModels "aster/internal/domain/models/chat"
	chatSvc "aster/internal/domain/services/chat"

	"aster/internal/domain"
)

// turnRecorder records TurnCallbacks thread-safely
type turnRecorder struct {
	mu        sync.Mutex
	updates   []chatModels.Message
	sessions  []int64
	terminal  *chatModels.Message
	termErr   error
	termCount int
}

func (r *turnRecorder) callbacks() TurnCallbacks {
	return TurnCallbacks{
		OnUpdate: func(msg chatModels.Message) {
			r.mu.Lock()
			r.updates = append(r.updates, msg)
			r.mu.Unlock()
		},
		OnSessionAssigned: func(id int64) {
			r.mu.Lock()
			r.sessions = append(r.sessions, id)
			r.mu.Unlock()
		},
		OnTerminal: func(msg chatModels.Message, err error) {
			r.mu.Lock()
			r.terminal = &msg
			r.termErr = err
			r.termCount++
			r.mu.Unlock()
		},
	}
}

func (r *turnRecorder) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func streamGateway(stream chatSvc.EventStream) *fakeGateway {
	gw := &fakeGateway{}
	gw.submitFn = func(ctx context.Context, req *chatSvc.SubmitTurnRequest) (*chatSvc.SubmitResult, error) {
		return &chatSvc.SubmitResult{Stream: stream}, nil
	}
	return gw
}

// First message of a new conversation over the streaming contract: the
// session id arrives on the stream, chunks accumulate, done settles.
func TestTurnControllerStreamingTurn(t *testing.T) {
	stream := newFakeStream(
		chatModels.SessionAssignedEvent{SessionID: 7},
		chatModels.ChunkEvent{Text: "Hel"},
		chatModels.ChunkEvent{Text: "lo"},
		chatModels.ChunkEvent{Text: "!"},
		chatModels.DoneEvent{},
	)
	gw := streamGateway(stream)

	rec := &turnRecorder{}
	ctrl := NewTurnController(gw, testLogger(), fastPoll(), rec.callbacks())
	if err := ctrl.Start(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, ctrl.Done())

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if len(rec.sessions) != 1 || rec.sessions[0] != 7 {
		t.Errorf("session assignments = %v, want [7]", rec.sessions)
	}
	if rec.terminal == nil {
		t.Fatal("OnTerminal never fired")
	}
	if rec.termCount != 1 {
		t.Errorf("OnTerminal fired %d times, want 1", rec.termCount)
	}
	if rec.terminal.Content != "Hello!" {
		t.Errorf("final content = %q, want %q", rec.terminal.Content, "Hello!")
	}
	if rec.terminal.Status != chatModels.StatusCompleted {
		t.Errorf("final status = %q, want completed", rec.terminal.Status)
	}
	if rec.termErr != nil {
		t.Errorf("terminal error = %v, want nil", rec.termErr)
	}

	// Content across updates never shrinks mid-stream
	prev := ""
	for _, u := range rec.updates {
		if !strings.HasPrefix(u.Content, prev) {
			t.Errorf("content regressed: %q after %q", u.Content, prev)
		}
		prev = u.Content
	}

	if got := ctrl.State(); got != StateTerminal {
		t.Errorf("state = %v, want terminal", got)
	}
	if sid := ctrl.SessionID(); sid == nil || *sid != 7 {
		t.Errorf("controller session id = %v, want 7", sid)
	}
}

// Async-job contract: submission answers with ids, the controller polls the
// message to completion.
func TestTurnControllerJobThenPolling(t *testing.T) {
	gw := &fakeGateway{}
	gw.submitFn = func(ctx context.Context, req *chatSvc.SubmitTurnRequest) (*chatSvc.SubmitResult, error) {
		return &chatSvc.SubmitResult{Job: &chatSvc.TurnJob{
			TaskID:    "task-1",
			MessageID: 42,
			SessionID: 7,
			Status:    chatModels.StatusPending,
		}}, nil
	}
	gw.getFn = func(ctx context.Context, sessionID, messageID int64) (*chatModels.Message, error) {
		if sessionID != 7 || messageID != 42 {
			t.Errorf("polled (%d, %d), want (7, 42)", sessionID, messageID)
		}
		if gw.getCount() == 1 {
			return &chatModels.Message{ID: 42, SessionID: 7, Status: chatModels.StatusStreaming, Content: "work"}, nil
		}
		return &chatModels.Message{ID: 42, SessionID: 7, Status: chatModels.StatusCompleted, Content: "working, done"}, nil
	}

	rec := &turnRecorder{}
	ctrl := NewTurnController(gw, testLogger(), fastPoll(), rec.callbacks())
	if err := ctrl.Start(context.Background(), "do the thing", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, ctrl.Done())

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if len(rec.sessions) != 1 || rec.sessions[0] != 7 {
		t.Errorf("session assignments = %v, want [7]", rec.sessions)
	}
	if rec.terminal == nil || rec.terminal.Status != chatModels.StatusCompleted {
		t.Fatalf("terminal = %+v, want completed", rec.terminal)
	}
	if rec.terminal.Content != "working, done" {
		t.Errorf("final content = %q (snapshot replace semantics)", rec.terminal.Content)
	}
	if rec.terminal.ID != 42 {
		t.Errorf("final message id = %d, want 42", rec.terminal.ID)
	}
	if gw.submitCount() != 1 {
		t.Errorf("submitted %d times, want 1", gw.submitCount())
	}
}

// A known session id on submission must not re-announce itself
func TestTurnControllerNoSessionAssignedForKnownSession(t *testing.T) {
	stream := newFakeStream(
		chatModels.SessionAssignedEvent{SessionID: 7},
		chatModels.DoneEvent{},
	)
	gw := streamGateway(stream)

	rec := &turnRecorder{}
	ctrl := NewTurnController(gw, testLogger(), fastPoll(), rec.callbacks())
	sid := int64(7)
	if err := ctrl.Start(context.Background(), "again", &sid); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, ctrl.Done())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.sessions) != 0 {
		t.Errorf("session assignments = %v, want none for a known session", rec.sessions)
	}
}

func TestTurnControllerCancelFreezesInterrupted(t *testing.T) {
	stream := newLiveStream(4)
	gw := streamGateway(stream)

	rec := &turnRecorder{}
	ctrl := NewTurnController(gw, testLogger(), fastPoll(), rec.callbacks())
	if err := ctrl.Start(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.send(chatModels.SessionAssignedEvent{SessionID: 7})
	stream.send(chatModels.ChunkEvent{Text: "Hel"})
	deadline := time.Now().Add(5 * time.Second)
	for rec.updateCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	ctrl.Cancel()
	waitDone(t, ctrl.Done())

	// Events after cancellation go nowhere
	stream.send(chatModels.ChunkEvent{Text: "lo"})
	before := rec.updateCount()
	time.Sleep(50 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.updates) != before {
		t.Errorf("updates fired after Cancel: %d -> %d", before, len(rec.updates))
	}
	if rec.termCount != 0 {
		t.Errorf("OnTerminal fired after Cancel, want silence")
	}

	msg := ctrl.Message()
	if msg.Status != chatModels.StatusInterrupted {
		t.Errorf("message status = %q, want interrupted", msg.Status)
	}
	if msg.Content != "Hel" {
		t.Errorf("message content = %q, want frozen at %q", msg.Content, "Hel")
	}
	if stream.closeCount.Load() == 0 {
		t.Error("Cancel did not sever the stream")
	}
}

func TestTurnControllerCancelIdempotent(t *testing.T) {
	stream := newLiveStream(1)
	gw := streamGateway(stream)

	ctrl := NewTurnController(gw, testLogger(), fastPoll(), TurnCallbacks{})
	if err := ctrl.Start(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctrl.Cancel()
	ctrl.Cancel()
	waitDone(t, ctrl.Done())
}

// A stream that drops without a done/error sentinel, before any ids are
// known, leaves the message interrupted rather than completed.
func TestTurnControllerStreamDropWithoutIDs(t *testing.T) {
	stream := newLiveStream(4)
	gw := streamGateway(stream)

	rec := &turnRecorder{}
	ctrl := NewTurnController(gw, testLogger(), fastPoll(), rec.callbacks())
	if err := ctrl.Start(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stream.send(chatModels.ChunkEvent{Text: "partial"})
	stream.end(&domain.TransportError{Op: "read stream", Err: errors.New("connection reset")})

	waitDone(t, ctrl.Done())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.terminal == nil {
		t.Fatal("OnTerminal never fired")
	}
	if rec.terminal.Status != chatModels.StatusInterrupted {
		t.Errorf("status = %q, want interrupted", rec.terminal.Status)
	}
	if rec.terminal.Content != "partial" {
		t.Errorf("content = %q, want streamed prefix preserved", rec.terminal.Content)
	}
}

// A tool result racing ahead of its start event is held and re-applied, so
// the pairing survives out-of-order delivery.
func TestTurnControllerOrphanToolResultReapplied(t *testing.T) {
	stream := newFakeStream(
		chatModels.SessionAssignedEvent{SessionID: 7},
		chatModels.ToolResultEvent{ID: "t1", Result: "42"},
		chatModels.ToolCallStartedEvent{ToolCall: chatModels.ToolCall{ID: "t1", Tool: "calc"}},
		chatModels.DoneEvent{},
	)
	gw := streamGateway(stream)

	rec := &turnRecorder{}
	ctrl := NewTurnController(gw, testLogger(), fastPoll(), rec.callbacks())
	if err := ctrl.Start(context.Background(), "compute", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, ctrl.Done())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.terminal == nil || len(rec.terminal.ToolCalls) != 1 {
		t.Fatalf("terminal tool calls = %+v, want exactly one", rec.terminal)
	}
	tc := rec.terminal.ToolCalls[0]
	if tc.Result == nil || *tc.Result != "42" {
		t.Errorf("tool result = %v, want %q", tc.Result, "42")
	}
}

func TestTurnControllerSubmitFailure(t *testing.T) {
	gw := &fakeGateway{}
	gw.submitFn = func(ctx context.Context, req *chatSvc.SubmitTurnRequest) (*chatSvc.SubmitResult, error) {
		return nil, &domain.TransportError{Op: "submit turn", Err: errors.New("connection refused")}
	}

	rec := &turnRecorder{}
	ctrl := NewTurnController(gw, testLogger(), fastPoll(), rec.callbacks())
	if err := ctrl.Start(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, ctrl.Done())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.termErr == nil || !errors.Is(rec.termErr, domain.ErrTransport) {
		t.Errorf("terminal error = %v, want transport failure", rec.termErr)
	}
	if rec.terminal.Status != chatModels.StatusError {
		t.Errorf("status = %q, want error", rec.terminal.Status)
	}
	if !ctrl.SubmitFailed() {
		t.Error("SubmitFailed = false, want true")
	}
}

// Resuming an in-flight turn re-enters polling without re-submitting
func TestTurnControllerResumeNeverResubmits(t *testing.T) {
	gw := &fakeGateway{}
	gw.getFn = func(ctx context.Context, sessionID, messageID int64) (*chatModels.Message, error) {
		return &chatModels.Message{
			ID:      42,
			Status:  chatModels.StatusCompleted,
			Content: "the full answer",
		}, nil
	}
	gw.listFn = func(ctx context.Context, sessionID int64) ([]chatModels.Message, error) {
		return []chatModels.Message{
			{ID: 41, Role: chatModels.RoleUser, Status: chatModels.StatusCompleted, Content: "question"},
			{ID: 42, Role: chatModels.RoleAssistant, Status: chatModels.StatusCompleted, Content: "the full answer", Reasoning: "server-side"},
		}, nil
	}

	rec := &turnRecorder{}
	ctrl := NewTurnController(gw, testLogger(), fastPoll(), rec.callbacks())
	last := chatModels.Message{ID: 42, Role: chatModels.RoleAssistant, Status: chatModels.StatusStreaming, Content: "the full"}
	if err := ctrl.Resume(7, 42, last); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitDone(t, ctrl.Done())

	if gw.submitCount() != 0 {
		t.Errorf("resume issued %d submissions, want 0", gw.submitCount())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.terminal == nil || rec.terminal.Status != chatModels.StatusCompleted {
		t.Fatalf("terminal = %+v, want completed", rec.terminal)
	}
	// Terminal resume reconciles against the full listing
	if gw.listCount() != 1 {
		t.Errorf("reconciliation listed %d times, want 1", gw.listCount())
	}
	if rec.terminal.Reasoning != "server-side" {
		t.Errorf("reasoning = %q, want reconciled server value", rec.terminal.Reasoning)
	}
}

func TestTurnControllerStartTwice(t *testing.T) {
	stream := newFakeStream(chatModels.DoneEvent{})
	gw := streamGateway(stream)

	ctrl := NewTurnController(gw, testLogger(), fastPoll(), TurnCallbacks{})
	if err := ctrl.Start(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Start(context.Background(), "again", nil); err == nil {
		t.Error("second Start succeeded, want error")
	}
	waitDone(t, ctrl.Done())
}
