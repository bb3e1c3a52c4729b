package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/protocol"
)

func (h *Hub) handleRegister(p *peer, env protocol.Envelope) {
	target, err := domain.ParseTargetID(string(env.TargetID))
	if err != nil {
		h.sendError(p, "invalid target id")
		return
	}

	h.mu.Lock()
	owner, exists := h.targets[target]
	if !exists {
		h.targets[target] = p.id
	}
	h.mu.Unlock()

	if exists {
		if owner != p.id {
			h.sendError(p, "target "+string(target)+" already registered")
		}
		return
	}
	log.Info().Str("module", "signal").Str("target", string(target)).Str("client", string(p.id)).Msg("target registered")
	h.broadcastViewers(protocol.Envelope{Type: protocol.TypeRegisterTarget, TargetID: target})
}

func (h *Hub) handleUnregister(p *peer, env protocol.Envelope) {
	target := env.TargetID
	h.mu.Lock()
	owner, ok := h.targets[target]
	if ok && owner == p.id {
		delete(h.targets, target)
	}
	h.mu.Unlock()

	if !ok || owner != p.id {
		return
	}
	log.Info().Str("module", "signal").Str("target", string(target)).Msg("target unregistered")
	h.broadcastViewers(protocol.Envelope{Type: protocol.TypeTargetDisconnected, TargetID: target})
}
