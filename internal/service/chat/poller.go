package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"aster/internal/domain"
	chatModels "aster/internal/domain/models/chat"
	chatSvc "aster/internal/domain/services/chat"
)

// Default poll schedule
const (
	DefaultPollInitialDelay = 1000 * time.Millisecond
	DefaultPollMaxDelay     = 5000 * time.Millisecond
	DefaultBackoffFactor    = 1.5
	DefaultMaxAttempts      = 60

	// Resumed turns poll sooner: the message is known to be in flight
	DefaultResumeInitialDelay = 500 * time.Millisecond
)

// PollOptions configures one poll run
type PollOptions struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	MaxAttempts   int
}

func (o PollOptions) withDefaults() PollOptions {
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultPollInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultPollMaxDelay
	}
	if o.BackoffFactor <= 1 {
		o.BackoffFactor = DefaultBackoffFactor
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// PollCallbacks receive poll outcomes. Exactly one of OnComplete/OnError
// fires per run, after which no callback ever fires again.
type PollCallbacks struct {
	// OnUpdate fires for every snapshot whose content or status differs
	// from the last-seen snapshot
	OnUpdate func(snap *chatModels.Message)
	// OnComplete fires once when the message reaches a terminal status
	OnComplete func(snap *chatModels.Message)
	// OnError fires once on an exhausted attempt budget (*domain.TimeoutError)
	// or an unrecoverable fetch failure
	OnError func(err error)
}

// Poller watches a background-job message by fetching its snapshot on a
// geometric backoff schedule until it reaches a terminal status.
type Poller struct {
	gateway chatSvc.Gateway
	logger  *slog.Logger
}

// NewPoller creates a poller over the given transport gateway
func NewPoller(gateway chatSvc.Gateway, logger *slog.Logger) *Poller {
	return &Poller{gateway: gateway, logger: logger}
}

// Poll starts watching (sessionID, messageID) and returns a cancel func.
//
// seed is the message's last state the caller already knows; the first
// snapshot identical to it is treated as a no-op duplicate. Cancel is safe
// to call from any state - including after natural termination and from
// inside a callback - and guarantees no further callback begins once it
// has been called, even for a timer already pending at cancellation time.
func (p *Poller) Poll(sessionID, messageID int64, seed *chatModels.Message, cb PollCallbacks, opts PollOptions) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	run := &pollRun{
		poller:    p,
		sessionID: sessionID,
		messageID: messageID,
		cb:        cb,
		opts:      opts.withDefaults(),
		ctx:       ctx,
		stop:      stop,
	}
	if seed != nil {
		run.lastContent = seed.Content
		run.lastStatus = seed.Status
	}

	go run.loop()

	var once sync.Once
	return func() {
		once.Do(func() {
			run.cancelled.Store(true)
			stop()
		})
	}
}

type pollRun struct {
	poller    *Poller
	sessionID int64
	messageID int64
	cb        PollCallbacks
	opts      PollOptions
	ctx       context.Context
	stop      context.CancelFunc
	cancelled atomic.Bool

	lastContent string
	lastStatus  string
}

func (r *pollRun) loop() {
	defer r.stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.InitialDelay
	bo.MaxInterval = r.opts.MaxDelay
	bo.Multiplier = r.opts.BackoffFactor
	bo.RandomizationFactor = 0 // deterministic geometric schedule
	bo.MaxElapsedTime = 0      // budget is attempt-based, not wall-clock
	bo.Reset()

	attempts := 0
	for {
		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		// Liveness guard: a pending timer must not fire callbacks for a
		// cancelled run
		if r.cancelled.Load() {
			return
		}

		attempts++
		snap, err := r.poller.gateway.GetMessage(r.ctx, r.sessionID, r.messageID)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			var retryable domain.Retryable
			if errors.As(err, &retryable) && retryable.Retryable() && attempts < r.opts.MaxAttempts {
				r.poller.logger.Warn("poll tick failed, retrying",
					"message_id", r.messageID,
					"attempt", attempts,
					"error", err,
				)
				continue
			}
			r.emitError(err)
			return
		}

		if snap.Content != r.lastContent || snap.Status != r.lastStatus {
			r.lastContent = snap.Content
			r.lastStatus = snap.Status
			r.emitUpdate(snap)
		}

		if chatModels.IsTerminalStatus(snap.Status) {
			r.emitComplete(snap)
			return
		}

		if attempts >= r.opts.MaxAttempts {
			r.emitError(&domain.TimeoutError{Attempts: attempts})
			return
		}
	}
}

func (r *pollRun) emitUpdate(snap *chatModels.Message) {
	if r.cancelled.Load() || r.cb.OnUpdate == nil {
		return
	}
	r.cb.OnUpdate(snap)
}

func (r *pollRun) emitComplete(snap *chatModels.Message) {
	if r.cancelled.Load() || r.cb.OnComplete == nil {
		return
	}
	r.cb.OnComplete(snap)
}

func (r *pollRun) emitError(err error) {
	if r.cancelled.Load() || r.cb.OnError == nil {
		return
	}
	r.poller.logger.Warn("poll terminated with error",
		"message_id", r.messageID,
		"error", err,
	)
	r.cb.OnError(err)
}
