// Package ice decides when local ICE candidates leave the process.
package ice

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/sdputil"
)

const DefaultGatherTimeout = 5 * time.Second

// Binding connects one session to the policy. All callbacks run on the
// caller's goroutine, or through Defer when a timer fires.
type Binding struct {
	Mode domain.IcePolicy
	// Describe returns the current local description of the media transport.
	Describe        func() *webrtc.SessionDescription
	SendDescription func(webrtc.SessionDescription)
	SendCandidate   func(webrtc.ICECandidateInit)
	// Defer hands fn to the session's own goroutine. Nil runs it inline.
	Defer func(fn func())
}

// CandidateBuffer holds the unsent local candidates of one session.
type CandidateBuffer struct {
	binding   Binding
	pending   []webrtc.ICECandidateInit
	described bool
	gathered  bool
	flushed   bool
	timer     *clock.Timer
}

type Policy struct {
	clock         clock.Clock
	gatherTimeout time.Duration

	mu      sync.Mutex
	buffers map[domain.SessionID]*CandidateBuffer
}

func NewPolicy(clk clock.Clock, gatherTimeout time.Duration) *Policy {
	if clk == nil {
		clk = clock.New()
	}
	if gatherTimeout <= 0 {
		gatherTimeout = DefaultGatherTimeout
	}
	return &Policy{
		clock:         clk,
		gatherTimeout: gatherTimeout,
		buffers:       make(map[domain.SessionID]*CandidateBuffer),
	}
}

// Begin must be called before the local description is set on the media transport.
func (p *Policy) Begin(id domain.SessionID, b Binding) {
	if b.Mode == "" {
		b.Mode = domain.IceTrickle
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.buffers[id]; ok && old.timer != nil {
		old.timer.Stop()
	}
	p.buffers[id] = &CandidateBuffer{binding: b}
}

// OnLocalDescription is called once the local description has been applied.
func (p *Policy) OnLocalDescription(id domain.SessionID) {
	p.mu.Lock()
	buf, ok := p.buffers[id]
	if !ok || buf.described {
		p.mu.Unlock()
		return
	}
	buf.described = true

	if buf.binding.Mode == domain.IceTrickle {
		queued := buf.pending
		buf.pending = nil
		p.mu.Unlock()

		desc := buf.binding.Describe()
		if desc == nil {
			return
		}
		buf.binding.SendDescription(*desc)
		for _, c := range queued {
			buf.binding.SendCandidate(c)
		}
		return
	}

	if buf.gathered {
		p.mu.Unlock()
		p.flush(id, buf, false)
		return
	}
	buf.timer = p.clock.AfterFunc(p.gatherTimeout, func() {
		run := func() { p.flush(id, buf, true) }
		if buf.binding.Defer != nil {
			buf.binding.Defer(run)
			return
		}
		run()
	})
	p.mu.Unlock()
}

func (p *Policy) OnLocalCandidate(id domain.SessionID, c webrtc.ICECandidateInit) {
	p.mu.Lock()
	buf, ok := p.buffers[id]
	if !ok || buf.flushed {
		p.mu.Unlock()
		return
	}
	if buf.binding.Mode == domain.IceTrickle && buf.described {
		p.mu.Unlock()
		buf.binding.SendCandidate(c)
		return
	}
	buf.pending = append(buf.pending, c)
	p.mu.Unlock()
}

// OnGatheringComplete is idempotent: the second signal never sends again.
func (p *Policy) OnGatheringComplete(id domain.SessionID) {
	p.mu.Lock()
	buf, ok := p.buffers[id]
	if !ok || buf.gathered {
		p.mu.Unlock()
		return
	}
	buf.gathered = true
	ready := buf.binding.Mode == domain.IceBatched && buf.described
	p.mu.Unlock()

	if ready {
		p.flush(id, buf, false)
	}
}

// Discard drops the buffer and its timer.
func (p *Policy) Discard(id domain.SessionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if buf, ok := p.buffers[id]; ok {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		buf.flushed = true
		delete(p.buffers, id)
	}
}

// Pending reports how many candidates are buffered for id.
func (p *Policy) Pending(id domain.SessionID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if buf, ok := p.buffers[id]; ok {
		return len(buf.pending)
	}
	return 0
}

func (p *Policy) flush(id domain.SessionID, buf *CandidateBuffer, forced bool) {
	p.mu.Lock()
	if buf.flushed || p.buffers[id] != buf {
		p.mu.Unlock()
		return
	}
	buf.flushed = true
	if buf.timer != nil {
		buf.timer.Stop()
	}
	cands := buf.pending
	buf.pending = nil
	p.mu.Unlock()

	desc := buf.binding.Describe()
	if desc == nil {
		log.Warn().Str("module", "app.ice").Str("session", string(id)).Msg("flush without local description")
		return
	}
	out := *desc
	merged, err := sdputil.MergeCandidates(out.SDP, cands)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.ice").Str("session", string(id)).Msg("merge candidates")
	} else {
		out.SDP = merged
	}

	log.Debug().
		Str("module", "app.ice").
		Str("session", string(id)).
		Int("candidates", len(cands)).
		Bool("forced", forced).
		Msg("batched description flushed")
	buf.binding.SendDescription(out)
}
