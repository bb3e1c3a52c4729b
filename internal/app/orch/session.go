package orch

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/domain"
)

// session is owned by its actor goroutine. Fields below the marker are
// touched only from there; the rest are immutable or atomic.
type session struct {
	o         *Orchestrator
	ref       core.SessionRef
	kind      domain.TransportKind
	transport core.Transport
	mode      domain.IcePolicy
	createdAt time.Time

	mb   *mailbox
	quit chan struct{}

	manual        atomic.Bool
	awaitingOffer atomic.Bool
	statsBusy     atomic.Bool
	closed        atomic.Bool
	snap          atomic.Pointer[domain.SessionSnapshot]

	// actor owned
	state          domain.SessionState
	lastChange     time.Time
	media          core.MediaTransport
	remoteSet      bool
	pendingRemote  []webrtc.ICECandidateInit
	mediaConnected bool
	flowSeen       bool
	degradedAt     time.Time
	degradedTimer  *clock.Timer
	negotiateTimer *clock.Timer
	prev           *domain.CounterSnapshot
	rates          domain.QualityRates
	grade          domain.Grade
	sampledAt      time.Time
}

func newSession(o *Orchestrator, t core.Transport, target domain.TargetID, mode domain.IcePolicy, awaitingOffer bool) *session {
	now := o.clock.Now()
	s := &session{
		o:          o,
		ref:        core.SessionRef{ID: domain.NewSessionID(), Target: target},
		kind:       t.Kind(),
		transport:  t,
		mode:       mode,
		createdAt:  now,
		mb:         newMailbox(),
		quit:       make(chan struct{}),
		state:      domain.StateIdle,
		lastChange: now,
	}
	s.awaitingOffer.Store(awaitingOffer)
	s.publishSnapshot()
	return s
}

func (s *session) ID() domain.SessionID    { return s.ref.ID }
func (s *session) Target() domain.TargetID { return s.ref.Target }

// Active reports whether the session still blocks a new one for its target.
func (s *session) Active() bool { return !s.closed.Load() }

func (s *session) Snapshot() domain.SessionSnapshot {
	snap := *s.snap.Load()
	snap.ManualTeardown = s.manual.Load()
	return snap
}

func (s *session) logger() zerolog.Logger {
	return log.With().
		Str("module", "app.orch").
		Str("target", string(s.ref.Target)).
		Str("session", string(s.ref.ID)).
		Str("transport", string(s.kind)).
		Logger()
}

func (s *session) start() {
	s.negotiateTimer = s.o.clock.AfterFunc(s.o.cfg.NegotiationTimeout, func() {
		s.enqueue(func() {
			if s.state < domain.StateConnected {
				s.close(errors.Errorf("negotiation not finished after %s", s.o.cfg.NegotiationTimeout))
			}
		})
	})
	go s.loop()
}

func (s *session) enqueue(fn func()) bool {
	return s.mb.push(fn)
}

func (s *session) loop() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.mb.signal:
			for _, fn := range s.mb.drain() {
				s.exec(fn)
				if s.state == domain.StateClosed {
					s.mb.close()
					close(s.quit)
					return
				}
			}
		}
	}
}

// exec runs one message; a panic closes only this session.
func (s *session) exec(fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if r := pc.Recovered(); r != nil {
		l := s.logger()
		l.Error().Str("panic", r.String()).Msg("session handler panicked")
		var again panics.Catcher
		again.Try(func() { s.close(errors.Wrap(r.AsError(), "session handler panicked")) })
		if again.Recovered() != nil {
			s.state = domain.StateClosed
			s.closed.Store(true)
		}
	}
	s.publishSnapshot()
}

func (s *session) publishSnapshot() {
	s.snap.Store(&domain.SessionSnapshot{
		Target:            s.ref.Target,
		SessionID:         s.ref.ID,
		Transport:         s.kind,
		State:             s.state,
		IcePolicy:         s.mode,
		CreatedAt:         s.createdAt,
		LastStateChangeAt: s.lastChange,
		Rates:             s.rates,
		Grade:             s.grade,
		SampledAt:         s.sampledAt,
	})
}

// transition applies one edge. Entering Degraded and recovering from it are
// not published; the deferred edge is published only if the session closes.
func (s *session) transition(to domain.SessionState, cause error) bool {
	from := s.state
	if !domain.CanTransition(from, to) {
		l := s.logger()
		l.Warn().Stringer("from", from).Stringer("to", to).Msg("illegal transition ignored")
		return false
	}
	now := s.o.clock.Now()
	s.state, s.lastChange = to, now

	l := s.logger()
	l.Info().Err(cause).Stringer("from", from).Stringer("to", to).Msg("session state")

	switch {
	case to == domain.StateDegraded:
		s.degradedAt = now
	case from == domain.StateDegraded && to == domain.StateConnected:
	case from == domain.StateDegraded && to == domain.StateClosed:
		s.emitState(domain.StateConnected, domain.StateDegraded, cause, s.degradedAt)
		s.emitState(domain.StateDegraded, domain.StateClosed, cause, now)
	default:
		s.emitState(from, to, cause, now)
	}
	return true
}

func (s *session) emitState(from, to domain.SessionState, cause error, at time.Time) {
	s.o.publish(Event{
		Kind:      StateChanged,
		Target:    s.ref.Target,
		SessionID: s.ref.ID,
		Transport: s.kind,
		Old:       from,
		New:       to,
		Cause:     cause,
		At:        at,
	})
}

func (s *session) startLocalOffer() {
	if s.state != domain.StateIdle {
		return
	}
	s.transition(domain.StateNegotiating, nil)
	if err := s.ensureMedia(); err != nil {
		s.close(err)
		return
	}
	if _, err := s.media.CreateOffer(); err != nil {
		s.close(errors.Wrap(err, "create offer"))
		return
	}
	s.transition(domain.StateAwaitingRemote, nil)
	s.o.ice.OnLocalDescription(s.ref.ID)
}

func (s *session) onRemoteOffer(offer webrtc.SessionDescription) {
	if s.state != domain.StateIdle || !s.awaitingOffer.Load() {
		l := s.logger()
		l.Warn().Stringer("state", s.state).Msg("unexpected remote offer ignored")
		return
	}
	s.awaitingOffer.Store(false)
	s.transition(domain.StateNegotiating, nil)
	if err := s.ensureMedia(); err != nil {
		s.close(err)
		return
	}
	if _, err := s.media.ApplyOffer(offer); err != nil {
		s.close(errors.Wrap(domain.ErrRemoteDescriptionRejected, err.Error()))
		return
	}
	s.remoteSet = true
	s.applyPendingRemote()
	s.transition(domain.StateAwaitingRemote, nil)
	s.o.ice.OnLocalDescription(s.ref.ID)
}

func (s *session) onRemoteAnswer(answer webrtc.SessionDescription) {
	if s.state != domain.StateAwaitingRemote || s.remoteSet || s.media == nil {
		l := s.logger()
		l.Debug().Stringer("state", s.state).Msg("remote answer ignored")
		return
	}
	if err := s.media.ApplyAnswer(answer); err != nil {
		s.close(errors.Wrap(domain.ErrRemoteDescriptionRejected, err.Error()))
		return
	}
	s.remoteSet = true
	s.applyPendingRemote()
}

// remote candidates wait for the remote description
func (s *session) onRemoteCandidate(c webrtc.ICECandidateInit) {
	if s.state == domain.StateClosed {
		return
	}
	if !s.remoteSet || s.media == nil {
		s.pendingRemote = append(s.pendingRemote, c)
		return
	}
	if err := s.media.AddICECandidate(c); err != nil {
		l := s.logger()
		l.Warn().Err(err).Msg("remote candidate rejected")
	}
}

func (s *session) applyPendingRemote() {
	queued := s.pendingRemote
	s.pendingRemote = nil
	for _, c := range queued {
		s.onRemoteCandidate(c)
	}
}

func (s *session) onTransportClosed(cause error) {
	if s.state.Live() {
		l := s.logger()
		l.Info().Err(cause).Msg("signaling closed, media kept")
		return
	}
	s.close(errors.Wrap(domain.ErrTransportUnavailable, errString(cause)))
}

// close moves the session to Closed and releases everything it holds.
func (s *session) close(cause error) {
	if s.state == domain.StateClosed {
		return
	}
	s.stopTimers()
	s.o.ice.Discard(s.ref.ID)
	s.transition(domain.StateClosed, cause)
	s.closed.Store(true)

	if s.media != nil {
		if err := s.media.Close(); err != nil {
			l := s.logger()
			l.Warn().Err(err).Msg("media close")
		}
	}
	ctx, cancel := s.o.callCtx()
	defer cancel()
	if err := s.transport.Close(ctx, s.ref); err != nil {
		l := s.logger()
		l.Debug().Err(err).Msg("transport close")
	}

	if s.manual.Load() {
		s.o.clock.AfterFunc(s.o.cfg.TeardownGrace, func() {
			s.manual.Store(false)
			s.o.Registry.Unbind(s.ref.Target, s.ref.ID)
		})
		return
	}
	s.o.Registry.Unbind(s.ref.Target, s.ref.ID)
}

func (s *session) stopTimers() {
	if s.degradedTimer != nil {
		s.degradedTimer.Stop()
		s.degradedTimer = nil
	}
	if s.negotiateTimer != nil {
		s.negotiateTimer.Stop()
		s.negotiateTimer = nil
	}
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
