package rtc

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/domain"
)

// Connection is a receive-only pion peer connection behind core.MediaTransport.
type Connection struct {
	pc     *webrtc.PeerConnection
	ref    core.SessionRef
	clock  clock.Clock
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	freezes  FreezeDetector
	flowOnce sync.Once

	mu      sync.Mutex
	onICE   func(*webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onFlow  func()
}

func newConnection(pc *webrtc.PeerConnection, ref core.SessionRef, clk clock.Clock) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:     pc,
		ref:    ref,
		clock:  clk,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With().
			Str("module", "webrtc").
			Str("target", string(ref.Target)).
			Str("session", string(ref.ID)).
			Logger(),
	}
	c.bind()
	return c
}

func (c *Connection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	// nil marks the end of gathering
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn == nil {
			return
		}
		if cand == nil {
			fn(nil)
			return
		}
		init := cand.ToJSON()
		fn(&init)
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")
		go c.readTrack(track)
	})
}

// readTrack observes inbound RTP for flow and freezes until the track ends.
func (c *Connection) readTrack(track *webrtc.TrackRemote) {
	video := track.Kind() == webrtc.RTPCodecTypeVideo
	if video {
		c.requestKeyframe(track)
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			c.logger.Debug().Err(err).Str("track_id", track.ID()).Msg("track read stopped")
			return
		}
		c.flowOnce.Do(c.fireFlow)
		if video && c.freezes.ObservePacket(c.clock.Now(), pkt) {
			c.logger.Debug().Uint64("freezes", c.freezes.Count()).Msg("video freeze")
			c.requestKeyframe(track)
		}
	}
}

func (c *Connection) requestKeyframe(track *webrtc.TrackRemote) {
	err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
	if err != nil {
		c.logger.Debug().Err(err).Msg("PLI write")
	}
}

func (c *Connection) fireFlow() {
	c.mu.Lock()
	fn := c.onFlow
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// CreateOffer produces a recvonly video offer and applies it locally.
// Candidates arrive through OnICECandidate.
func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	if len(c.pc.GetTransceivers()) == 0 {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return webrtc.SessionDescription{}, errors.Wrap(err, "add transceiver")
		}
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "create offer")
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "set local offer")
	}
	return offer, nil
}

func (c *Connection) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "set remote offer")
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "create answer")
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "set local answer")
	}
	return answer, nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return errors.Wrap(c.pc.SetRemoteDescription(answer), "set remote answer")
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *Connection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Connection) OnConnectionState(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Connection) OnFlow(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFlow = fn
}

// Counters reads cumulative inbound video counters and the nominated pair RTT.
func (c *Connection) Counters() (domain.CounterSnapshot, error) {
	snap := domain.CounterSnapshot{At: c.clock.Now(), FreezeCount: c.freezes.Count()}
	found := false
	for _, st := range c.pc.GetStats() {
		switch s := st.(type) {
		case webrtc.InboundRTPStreamStats:
			if s.Kind != "video" {
				continue
			}
			found = true
			snap.BytesReceived += s.BytesReceived
			snap.PacketsReceived += uint64(s.PacketsReceived)
			snap.PacketsLost += int64(s.PacketsLost)
			snap.PLICount += uint64(s.PLICount)
			snap.NACKCount += uint64(s.NACKCount)
			snap.Jitter = max(snap.Jitter, s.Jitter)
		case webrtc.ICECandidatePairStats:
			if s.Nominated {
				snap.RoundTripTime = s.CurrentRoundTripTime
			}
		}
	}
	if !found {
		return snap, errors.New("no inbound video stream yet")
	}
	return snap, nil
}

func (c *Connection) Close() error {
	c.cancel()
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}
