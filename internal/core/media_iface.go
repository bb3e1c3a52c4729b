package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/CamSignal/internal/domain"
)

// MediaTransport is the local end of one media session.
// Callbacks are invoked from engine goroutines.
type MediaTransport interface {
	// CreateOffer creates a local offer and applies it.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer applies a remote offer, then creates and applies the local answer.
	ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// LocalDescription returns the current local SDP, candidates gathered so far included.
	LocalDescription() *webrtc.SessionDescription
	// Counters reads the cumulative inbound counters.
	Counters() (domain.CounterSnapshot, error)

	// OnICECandidate is called per gathered candidate and once with nil when gathering completes.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnConnectionState(func(webrtc.PeerConnectionState))
	// OnFlow is called once, when the first media packet arrives.
	OnFlow(func())

	Close() error
}

type MediaFactory interface {
	NewMedia(ref SessionRef, iceServers []webrtc.ICEServer) (MediaTransport, error)
}
