package signal

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/protocol"
)

func (h *Hub) handleCallRequest(p *peer, env protocol.Envelope) {
	target := env.TargetID
	if !h.limiter.Allow(p.id) {
		log.Warn().Str("module", "signal").Str("client", string(p.id)).Str("target", string(target)).Msg("call-request rate limited")
		h.sendTargetError(p, target, "too many call requests")
		return
	}
	log.Info().Str("module", "signal").Str("client", string(p.id)).Str("target", string(target)).Msg("call request")

	owner, ok := h.owner(target)
	if !ok || !h.send(owner, protocol.Envelope{Type: protocol.TypeCallRequest, TargetID: target, FromClient: p.id}) {
		h.sendTargetError(p, target, "Camera "+string(target)+" not available")
	}
}

func (h *Hub) handleHangUp(p *peer, env protocol.Envelope) {
	target := env.TargetID
	out := protocol.Envelope{Type: protocol.TypeHangUp, TargetID: target, FromClient: p.id}

	if p.Kind() == domain.ClientCamera {
		if env.ToClient != "" {
			if v, ok := h.peer(env.ToClient); ok {
				h.send(v, out)
			}
			return
		}
		h.broadcastViewers(out)
		return
	}

	owner, ok := h.owner(target)
	if !ok || !h.send(owner, out) {
		log.Info().Str("module", "signal").Str("target", string(target)).Msg("hang-up not forwarded, target not available")
		return
	}
	log.Info().Str("module", "signal").Str("target", string(target)).Str("client", string(p.id)).Msg("hang-up forwarded")
}

// forward moves offer/answer/candidate envelopes: viewers reach the owning
// camera, cameras reach the addressed viewer or every viewer.
func (h *Hub) forward(p *peer, env protocol.Envelope) {
	out := protocol.Envelope{
		Type:       env.Type,
		TargetID:   env.TargetID,
		Offer:      env.Offer,
		Answer:     env.Answer,
		Candidate:  env.Candidate,
		FromClient: p.id,
	}
	l := log.Debug().Str("module", "signal").Str("type", string(env.Type)).Str("target", string(env.TargetID)).Str("client", string(p.id))

	if p.Kind() == domain.ClientViewer {
		owner, ok := h.owner(env.TargetID)
		if !ok || !h.send(owner, out) {
			l.Msg("not forwarded, camera not available")
		}
		return
	}

	if env.ToClient != "" {
		if v, ok := h.peer(env.ToClient); ok && h.send(v, out) {
			return
		}
		l.Str("to", string(env.ToClient)).Msg("addressed viewer gone")
		return
	}
	l.Int("viewers", h.broadcastViewers(out)).Msg("broadcast")
}

func (h *Hub) countCandidate(p *peer, env protocol.Envelope) {
	key := candidateKey{target: env.TargetID, client: p.id}
	h.mu.Lock()
	h.candidates[key]++
	n := h.candidates[key]
	h.mu.Unlock()

	l := log.Debug().Str("module", "signal").Str("target", string(env.TargetID)).Str("client", string(p.id)).Int("n", n)
	if env.Candidate == nil || env.Candidate.Candidate == "" {
		l.Int("total", n-1).Msg("ICE gathering completed")
		return
	}
	l.Str("typ", candidateType(env.Candidate.Candidate)).Msg("ICE candidate")
}

func candidateType(c string) string {
	f := strings.Fields(c)
	for i := 0; i+1 < len(f); i++ {
		if f[i] == "typ" {
			return f[i+1]
		}
	}
	return "unknown"
}
