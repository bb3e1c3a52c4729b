package orch

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/domain"
)

type EventKind int

const (
	StateChanged EventKind = iota
	StatsSampled
)

func (k EventKind) String() string {
	if k == StatsSampled {
		return "stats"
	}
	return "state"
}

// Event is published to subscribers on every visible state change and stats sample.
type Event struct {
	Kind      EventKind
	Target    domain.TargetID
	SessionID domain.SessionID
	Transport domain.TransportKind
	Old       domain.SessionState
	New       domain.SessionState
	Cause     error
	Rates     domain.QualityRates
	Grade     domain.Grade
	At        time.Time
}

const subscriberBuffer = 64

// Subscribe returns a channel of events and a cancel func that closes it.
// A subscriber that falls behind loses events, it never blocks sessions.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	o.subsMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subsMu.Unlock()

	var cancelled bool
	cancel := func() {
		o.subsMu.Lock()
		defer o.subsMu.Unlock()
		if cancelled {
			return
		}
		cancelled = true
		delete(o.subs, id)
		close(ch)
	}
	return ch, cancel
}

func (o *Orchestrator) publish(ev Event) {
	o.subsMu.RLock()
	defer o.subsMu.RUnlock()
	for id, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "app.orch").Int("subscriber", id).Stringer("kind", ev.Kind).Msg("subscriber lagging, event dropped")
		}
	}
}
