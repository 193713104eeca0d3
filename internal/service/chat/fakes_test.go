package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	chatModels "aster/internal/domain/models/chat"
	chatSvc "aster/internal/domain/services/chat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway scripts the transport layer for tests
type fakeGateway struct {
	mu       sync.Mutex
	submitFn func(ctx context.Context, req *chatSvc.SubmitTurnRequest) (*chatSvc.SubmitResult, error)
	getFn    func(ctx context.Context, sessionID, messageID int64) (*chatModels.Message, error)
	listFn   func(ctx context.Context, sessionID int64) ([]chatModels.Message, error)

	submitCalls int
	getCalls    int
	listCalls   int
}

func (g *fakeGateway) SubmitTurn(ctx context.Context, req *chatSvc.SubmitTurnRequest) (*chatSvc.SubmitResult, error) {
	g.mu.Lock()
	g.submitCalls++
	fn := g.submitFn
	g.mu.Unlock()
	if fn == nil {
		return nil, errors.New("fakeGateway: SubmitTurn not scripted")
	}
	return fn(ctx, req)
}

func (g *fakeGateway) GetMessage(ctx context.Context, sessionID, messageID int64) (*chatModels.Message, error) {
	g.mu.Lock()
	g.getCalls++
	fn := g.getFn
	g.mu.Unlock()
	if fn == nil {
		return nil, errors.New("fakeGateway: GetMessage not scripted")
	}
	return fn(ctx, sessionID, messageID)
}

func (g *fakeGateway) ListMessages(ctx context.Context, sessionID int64) ([]chatModels.Message, error) {
	g.mu.Lock()
	g.listCalls++
	fn := g.listFn
	g.mu.Unlock()
	if fn == nil {
		return nil, errors.New("fakeGateway: ListMessages not scripted")
	}
	return fn(ctx, sessionID)
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitCalls
}

func (g *fakeGateway) getCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getCalls
}

func (g *fakeGateway) listCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls
}

type streamItem struct {
	ev  chatModels.StreamEvent
	err error
}

// fakeStream is a scriptable EventStream. Close unblocks a pending Next.
type fakeStream struct {
	items      chan streamItem
	closed     chan struct{}
	closeOnce  sync.Once
	closeCount atomic.Int32
}

// newFakeStream returns a stream that yields the given events, then io.EOF
func newFakeStream(events ...chatModels.StreamEvent) *fakeStream {
	s := newLiveStream(len(events))
	for _, ev := range events {
		s.items <- streamItem{ev: ev}
	}
	close(s.items)
	return s
}

// newLiveStream returns an open stream fed with send/end from the test
func newLiveStream(buffer int) *fakeStream {
	return &fakeStream{
		items:  make(chan streamItem, buffer),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) send(ev chatModels.StreamEvent) { s.items <- streamItem{ev: ev} }

// end terminates the stream: io.EOF for a clean end, anything else for a drop
func (s *fakeStream) end(err error) {
	if err != nil && !errors.Is(err, io.EOF) {
		s.items <- streamItem{err: err}
	}
	close(s.items)
}

func (s *fakeStream) Next() (chatModels.StreamEvent, error) {
	select {
	case it, ok := <-s.items:
		if !ok {
			return nil, io.EOF
		}
		if it.err != nil {
			return nil, it.err
		}
		return it.ev, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.closeCount.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fastPoll is a poll schedule tight enough for tests
func fastPoll() PollOptions {
	return PollOptions{
		InitialDelay:  time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		BackoffFactor: 1.5,
		MaxAttempts:   20,
	}
}

// waitDone fails the test if the turn does not settle quickly
func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not settle in time")
	}
}
