package signal

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/protocol"
)

func (h *Hub) handlePing(p *peer, env protocol.Envelope) {
	h.send(p, protocol.Envelope{Type: protocol.TypePong, Timestamp: env.Timestamp})
}

func (h *Hub) handleIdentify(p *peer, env protocol.Envelope) {
	kind, err := domain.ParseClientType(env.ClientType)
	if err != nil {
		h.sendError(p, "unknown client type")
		return
	}
	p.kind.Store(kind)
	log.Info().Str("module", "signal").Str("client", string(p.id)).Str("type", string(kind)).Msg("client identified")

	if kind == domain.ClientViewer {
		for _, t := range h.Targets() {
			h.send(p, protocol.Envelope{Type: protocol.TypeRegisterTarget, TargetID: t})
		}
	}
}

// Run closes connections that stayed silent longer than ConnTimeout.
func (h *Hub) Run(ctx context.Context) error {
	t := h.clock.Ticker(h.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-t.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	now := h.clock.Now()
	h.mu.RLock()
	var stale []*peer
	for _, p := range h.peers {
		if now.Sub(time.Unix(0, p.lastSeen.Load())) > h.cfg.ConnTimeout {
			stale = append(stale, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range stale {
		log.Info().Str("module", "signal").Str("client", string(p.id)).Dur("timeout", h.cfg.ConnTimeout).Msg("client timed out")
		h.drop(p)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		all = append(all, p)
	}
	h.mu.RUnlock()
	for _, p := range all {
		h.drop(p)
	}
}
