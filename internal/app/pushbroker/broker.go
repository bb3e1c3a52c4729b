// Package pushbroker pairs a producer's pending HTTP offer with the answer
// produced later by the consumer side.
package pushbroker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/domain"
)

var ErrDuplicateRequest = errors.New("push request already registered")

type Answer struct {
	Description webrtc.SessionDescription
	SessionID   domain.SessionID
}

type Outcome int

const (
	Fulfilled Outcome = iota
	Failed
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Fulfilled:
		return "fulfilled"
	case TimedOut:
		return "timeout"
	default:
		return "failed"
	}
}

// Pending is one producer request waiting for its answer.
type Pending struct {
	RequestID string
	Target    domain.TargetID
	Deadline  time.Time

	broker *Broker
	timer  *clock.Timer
	done   chan struct{}
	answer Answer
	err    error
}

// Wait blocks until the request is resolved or ctx ends. A cancelled ctx
// resolves the request with the context error.
func (p *Pending) Wait(ctx context.Context) (Answer, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.broker.Fail(p.RequestID, ctx.Err())
		<-p.done
	}
	return p.answer, p.err
}

// Done is closed once the request is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

type Broker struct {
	clock clock.Clock

	mu        sync.Mutex
	pending   map[string]*Pending
	onOutcome func(domain.TargetID, Outcome)
}

func New(clk clock.Clock) *Broker {
	if clk == nil {
		clk = clock.New()
	}
	return &Broker{
		clock:   clk,
		pending: make(map[string]*Pending),
	}
}

// OnOutcome registers a callback invoked once per resolved request.
func (b *Broker) OnOutcome(fn func(domain.TargetID, Outcome)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOutcome = fn
}

func (b *Broker) Register(requestID string, target domain.TargetID, timeout time.Duration) (*Pending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[requestID]; ok {
		return nil, errors.Wrap(ErrDuplicateRequest, requestID)
	}
	p := &Pending{
		RequestID: requestID,
		Target:    target,
		Deadline:  b.clock.Now().Add(timeout),
		broker:    b,
		done:      make(chan struct{}),
	}
	p.timer = b.clock.AfterFunc(timeout, func() {
		b.resolve(requestID, Answer{}, domain.ErrAnswerTimeout, TimedOut)
	})
	b.pending[requestID] = p
	log.Debug().Str("module", "app.pushbroker").Str("request", requestID).Str("target", string(target)).Dur("timeout", timeout).Msg("registered")
	return p, nil
}

// Fulfill resolves the request with an answer. It returns false when the
// request was already resolved or never existed.
func (b *Broker) Fulfill(requestID string, a Answer) bool {
	return b.resolve(requestID, a, nil, Fulfilled)
}

func (b *Broker) Fail(requestID string, err error) bool {
	if err == nil {
		err = domain.ErrSessionClosed
	}
	return b.resolve(requestID, Answer{}, err, Failed)
}

// FailTarget fails every pending request of target and returns how many were failed.
func (b *Broker) FailTarget(target domain.TargetID, err error) int {
	b.mu.Lock()
	var ids []string
	for id, p := range b.pending {
		if p.Target == target {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, id := range ids {
		if b.Fail(id, err) {
			n++
		}
	}
	return n
}

func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) resolve(requestID string, a Answer, err error, outcome Outcome) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, requestID)
	p.timer.Stop()
	p.answer, p.err = a, err
	cb := b.onOutcome
	b.mu.Unlock()

	ev := log.Debug()
	if outcome != Fulfilled {
		ev = log.Info().Err(err)
	}
	ev.Str("module", "app.pushbroker").Str("request", requestID).Str("target", string(p.Target)).Stringer("outcome", outcome).Msg("resolved")

	if cb != nil {
		cb(p.Target, outcome)
	}
	close(p.done)
	return true
}
