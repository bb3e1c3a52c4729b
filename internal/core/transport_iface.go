package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/CamSignal/internal/domain"
)

// SessionRef addresses one negotiation on a transport.
type SessionRef struct {
	ID     domain.SessionID
	Target domain.TargetID
}

type Capabilities struct {
	// LocalOffer is set when the consumer side produces the offer.
	LocalOffer bool
	// Trickle is set when candidates can be sent after the description.
	Trickle bool
}

type EventKind int

const (
	OfferReceived EventKind = iota
	AnswerReceived
	CandidateReceived
	// SessionTerminated means the remote side is gone for this target.
	SessionTerminated
	// TransportClosed means the signaling path closed. Media may still flow.
	// An empty Target applies to every session of the transport.
	TransportClosed
)

func (k EventKind) String() string {
	switch k {
	case OfferReceived:
		return "offer"
	case AnswerReceived:
		return "answer"
	case CandidateReceived:
		return "candidate"
	case SessionTerminated:
		return "terminated"
	case TransportClosed:
		return "transport-closed"
	}
	return "unknown"
}

type TransportEvent struct {
	Kind      EventKind
	Transport domain.TransportKind
	Target    domain.TargetID
	// SessionID is empty when the transport does not know it.
	SessionID   domain.SessionID
	Description webrtc.SessionDescription
	Candidate   webrtc.ICECandidateInit
	// RequestID correlates a pushed offer with its pending HTTP request.
	RequestID string
	Cause     error
}

// Transport is the signaling side of one transport kind.
type Transport interface {
	Kind() domain.TransportKind
	Capabilities() Capabilities
	// Open checks the transport is usable. It is called before every outbound session.
	Open(ctx context.Context) error
	// Connect asks target to start a session.
	Connect(ctx context.Context, target domain.TargetID) error
	// ICEServers returns transport supplied ICE servers, nil for the defaults.
	ICEServers(target domain.TargetID) []webrtc.ICEServer
	SendLocalDescription(ctx context.Context, ref SessionRef, desc webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, ref SessionRef, cand webrtc.ICECandidateInit) error
	// Close ends the session on the remote side. It must be idempotent.
	Close(ctx context.Context, ref SessionRef) error
	Events() <-chan TransportEvent
}

// Rejecter is implemented by transports that can refuse an inbound offer
// before a session exists for it.
type Rejecter interface {
	Reject(target domain.TargetID, requestID string, cause error)
}
