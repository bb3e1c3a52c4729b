package orch

import (
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/dkeye/CamSignal/internal/app/ice"
	"github.com/dkeye/CamSignal/internal/app/quality"
	"github.com/dkeye/CamSignal/internal/domain"
)

var errMediaFailed = errors.New("media transport failed")

// ensureMedia creates the media transport and binds its callbacks to the mailbox.
func (s *session) ensureMedia() error {
	if s.media != nil {
		return nil
	}
	if s.o.media == nil {
		return errors.New("no media factory")
	}
	servers := s.transport.ICEServers(s.ref.Target)
	if len(servers) == 0 {
		servers = s.o.cfg.ICEServers
	}
	mt, err := s.o.media.NewMedia(s.ref, servers)
	if err != nil {
		return errors.Wrap(err, "create media transport")
	}
	s.media = mt

	s.o.ice.Begin(s.ref.ID, ice.Binding{
		Mode:            s.mode,
		Describe:        mt.LocalDescription,
		SendDescription: s.sendDescription,
		SendCandidate:   s.sendCandidate,
		Defer:           func(fn func()) { s.enqueue(fn) },
	})
	s.bindMediaHandlers()
	return nil
}

func (s *session) bindMediaHandlers() {
	s.media.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		s.enqueue(func() {
			if c == nil {
				s.o.ice.OnGatheringComplete(s.ref.ID)
				return
			}
			s.o.ice.OnLocalCandidate(s.ref.ID, *c)
		})
	})
	s.media.OnConnectionState(func(st webrtc.PeerConnectionState) {
		s.enqueue(func() { s.onMediaState(st) })
	})
	s.media.OnFlow(func() {
		s.enqueue(s.onFlow)
	})
}

func (s *session) sendDescription(desc webrtc.SessionDescription) {
	if s.state == domain.StateClosed {
		return
	}
	ctx, cancel := s.o.callCtx()
	defer cancel()
	if err := s.transport.SendLocalDescription(ctx, s.ref, desc); err != nil {
		s.close(errors.Wrap(err, "send local description"))
	}
}

func (s *session) sendCandidate(c webrtc.ICECandidateInit) {
	if s.state == domain.StateClosed {
		return
	}
	ctx, cancel := s.o.callCtx()
	defer cancel()
	if err := s.transport.SendCandidate(ctx, s.ref, c); err != nil {
		l := s.logger()
		l.Warn().Err(err).Msg("send candidate")
	}
}

func (s *session) onMediaState(st webrtc.PeerConnectionState) {
	if s.state == domain.StateClosed {
		return
	}
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.mediaConnected = true
		if s.state == domain.StateDegraded {
			s.stopDegradedTimer()
			s.transition(domain.StateConnected, nil)
			return
		}
		s.maybeConnected()

	case webrtc.PeerConnectionStateDisconnected:
		s.mediaConnected = false
		if s.state != domain.StateConnected {
			return
		}
		s.transition(domain.StateDegraded, nil)
		s.degradedTimer = s.o.clock.AfterFunc(s.o.cfg.DegradedWindow, func() {
			s.enqueue(func() {
				if s.state == domain.StateDegraded {
					s.close(errors.Errorf("no recovery within %s", s.o.cfg.DegradedWindow))
				}
			})
		})

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.mediaConnected = false
		s.close(errors.Wrap(errMediaFailed, st.String()))
	}
}

func (s *session) onFlow() {
	s.flowSeen = true
	s.maybeConnected()
}

// Connected needs both the engine's connected state and one observed packet.
func (s *session) maybeConnected() {
	if s.state != domain.StateAwaitingRemote || !s.mediaConnected || !s.flowSeen {
		return
	}
	if s.negotiateTimer != nil {
		s.negotiateTimer.Stop()
		s.negotiateTimer = nil
	}
	s.transition(domain.StateConnected, nil)
}

func (s *session) stopDegradedTimer() {
	if s.degradedTimer != nil {
		s.degradedTimer.Stop()
		s.degradedTimer = nil
	}
}

func (s *session) sampleStats() {
	defer s.statsBusy.Store(false)
	if !s.state.Live() || s.media == nil {
		return
	}
	cur, err := s.media.Counters()
	if err != nil {
		l := s.logger()
		l.Debug().Err(err).Msg("read counters")
		return
	}
	if cur.At.IsZero() {
		cur.At = s.o.clock.Now()
	}
	s.rates = quality.Derive(s.prev, cur)
	s.prev = &cur
	s.grade = s.o.cfg.Thresholds.Grade(s.rates)
	s.sampledAt = cur.At

	s.o.publish(Event{
		Kind:      StatsSampled,
		Target:    s.ref.Target,
		SessionID: s.ref.ID,
		Transport: s.kind,
		Old:       s.state,
		New:       s.state,
		Rates:     s.rates,
		Grade:     s.grade,
		At:        cur.At,
	})
}
