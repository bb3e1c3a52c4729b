package app

import "github.com/dkeye/CamSignal/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickClient
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case MarkSlow:
		return "mark-slow"
	case KickClient:
		return "kick"
	case DropFrame:
		return "drop"
	}
	return "none"
}

// Policy decides what the hub does with a client whose send queue is full.
// strikes counts consecutive full-queue sends for that client.
type Policy interface {
	OnBackPressure(kind domain.ClientType, strikes int) BackpressureAction
}

// SimplePolicy drops frames for a while and then kicks viewers.
// Cameras are never kicked, their frames are dropped.
type SimplePolicy struct {
	MaxStrikes int
}

func (p SimplePolicy) OnBackPressure(kind domain.ClientType, strikes int) BackpressureAction {
	limit := p.MaxStrikes
	if limit <= 0 {
		limit = 3
	}
	if kind == domain.ClientCamera {
		if strikes >= limit {
			return MarkSlow
		}
		return DropFrame
	}
	if strikes >= limit {
		return KickClient
	}
	return DropFrame
}
