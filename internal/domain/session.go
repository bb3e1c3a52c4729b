package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

type TransportKind string

const (
	TransportRelay        TransportKind = "relay"
	TransportPull         TransportKind = "pull"
	TransportPush         TransportKind = "push"
	TransportManagedCloud TransportKind = "managed-cloud"
)

func ParseTransportKind(s string) (TransportKind, error) {
	switch TransportKind(strings.ToLower(strings.TrimSpace(s))) {
	case TransportRelay:
		return TransportRelay, nil
	case TransportPull, "whep":
		return TransportPull, nil
	case TransportPush, "whip":
		return TransportPush, nil
	case TransportManagedCloud, "managedcloud", "cloud":
		return TransportManagedCloud, nil
	}
	return "", errors.Wrap(ErrUnknownTransport, s)
}

// IcePolicy decides whether local candidates leave one by one or inside the description.
type IcePolicy string

const (
	IceTrickle IcePolicy = "trickle"
	IceBatched IcePolicy = "batched"
)

func ParseIcePolicy(s string) (IcePolicy, error) {
	switch IcePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case IceTrickle:
		return IceTrickle, nil
	case IceBatched:
		return IceBatched, nil
	}
	return "", errors.Wrap(ErrUnknownIcePolicy, s)
}

type SessionState int

const (
	StateIdle SessionState = iota
	StateNegotiating
	StateAwaitingRemote
	StateConnected
	StateDegraded
	StateClosed
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateNegotiating:    "negotiating",
	StateAwaitingRemote: "awaiting-remote",
	StateConnected:      "connected",
	StateDegraded:       "degraded",
	StateClosed:         "closed",
}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SessionState) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = SessionState(i)
			return nil
		}
	}
	return errors.Wrap(errUnknownStateLiteral, string(b))
}

func (s SessionState) Terminal() bool { return s == StateClosed }

// Live reports whether media is flowing or briefly interrupted.
func (s SessionState) Live() bool { return s == StateConnected || s == StateDegraded }

var transitions = map[SessionState][]SessionState{
	StateIdle:           {StateNegotiating, StateClosed},
	StateNegotiating:    {StateAwaitingRemote, StateClosed},
	StateAwaitingRemote: {StateConnected, StateClosed},
	StateConnected:      {StateDegraded, StateClosed},
	StateDegraded:       {StateConnected, StateClosed},
}

// CanTransition reports whether from→to is an edge of the session state machine.
func CanTransition(from, to SessionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SessionSnapshot is an immutable copy of one session, safe to share across goroutines.
type SessionSnapshot struct {
	Target            TargetID      `json:"targetId"`
	SessionID         SessionID     `json:"sessionId"`
	Transport         TransportKind `json:"transport"`
	State             SessionState  `json:"state"`
	IcePolicy         IcePolicy     `json:"icePolicy"`
	CreatedAt         time.Time     `json:"createdAt"`
	LastStateChangeAt time.Time     `json:"lastStateChangeAt"`
	ManualTeardown    bool          `json:"manualTeardown"`
	Rates             QualityRates  `json:"rates"`
	Grade             Grade         `json:"grade"`
	SampledAt         time.Time     `json:"sampledAt"`
}

// Totals aggregates all current snapshots.
type Totals struct {
	Sessions          int     `json:"sessions"`
	Negotiating       int     `json:"negotiating"`
	Connected         int     `json:"connected"`
	Degraded          int     `json:"degraded"`
	BandwidthKbps     int64   `json:"bandwidthKbps"`
	PacketLossRatePct float64 `json:"packetLossRatePct"`
}

// RelayHealth is the heartbeat view of the relay channel.
type RelayHealth struct {
	Connected           bool      `json:"connected"`
	Unreachable         bool      `json:"unreachable"`
	LastHeartbeatSentAt time.Time `json:"lastHeartbeatSentAt"`
	LastHeartbeatAckAt  time.Time `json:"lastHeartbeatAckAt"`
	MissedAcks          int       `json:"missedAcks"`
	ReconnectAttempt    int       `json:"reconnectAttempt"`
	BackoffMs           int64     `json:"backoffMs"`
}
