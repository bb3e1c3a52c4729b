package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/app"
	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/protocol"
)

const writeWait = 5 * time.Second

func (h *Hub) writePump(ctx context.Context, p *peer) {
	ping := time.NewTicker(h.cfg.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("client", string(p.id)).Msg("writePump ctx done")
			return
		case <-ping.C:
			if err := p.conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("client", string(p.id)).Msg("writePump ping")
				h.drop(p)
				return
			}
		case data, ok := <-p.conn.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("client", string(p.id)).Msg("writePump channel closed")
				return
			}
			if err := p.conn.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				h.drop(p)
				return
			}
			if err := p.conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				h.drop(p)
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, p *peer) {
	defer func() {
		log.Debug().Str("module", "signal").Str("client", string(p.id)).Msg("readPump closing")
		h.drop(p)
	}()

	p.conn.conn.SetReadLimit(h.cfg.ReadLimit)
	p.conn.conn.SetPongHandler(func(string) error {
		h.touch(p)
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := p.conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("client", string(p.id)).Msg("readPump read error")
			}
			return
		}
		h.touch(p)
		h.handleSignal(p, data)
	}
}

func (h *Hub) handleSignal(p *peer, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("client", string(p.id)).Msg("bad envelope")
		return
	}

	switch env.Type {
	case protocol.TypePing:
		h.handlePing(p, env)
	case protocol.TypePong:
	case protocol.TypeIdentify:
		h.handleIdentify(p, env)
	case protocol.TypeRegisterTarget:
		h.handleRegister(p, env)
	case protocol.TypeUnregisterTarget:
		h.handleUnregister(p, env)
	case protocol.TypeCallRequest:
		h.handleCallRequest(p, env)
	case protocol.TypeHangUp:
		h.handleHangUp(p, env)
	case protocol.TypeOffer, protocol.TypeAnswer:
		h.forward(p, env)
	case protocol.TypeICECandidate:
		h.countCandidate(p, env)
		h.forward(p, env)
	default:
		log.Warn().Str("module", "signal").Str("client", string(p.id)).Str("type", string(env.Type)).Msg("unknown signal")
	}
}

// send encodes and queues env, applying the backpressure policy when the queue is full.
func (h *Hub) send(p *peer, env protocol.Envelope) bool {
	b, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send encode")
		return false
	}
	err = p.conn.TrySend(b)
	if err == nil {
		p.strikes.Store(0)
		return true
	}
	if !errors.Is(err, ErrBackpressure) {
		return false
	}

	strikes := int(p.strikes.Add(1))
	action := h.policy.OnBackPressure(p.Kind(), strikes)
	l := log.Warn().Str("module", "signal").Str("client", string(p.id)).Int("strikes", strikes).Int("queued", p.conn.Pending()).Stringer("action", action)
	switch action {
	case app.KickClient:
		l.Msg("slow client kicked")
		go h.drop(p)
	case app.MarkSlow:
		l.Msg("slow client")
	case app.DropFrame:
		l.Str("type", string(env.Type)).Msg("frame dropped")
	default:
		l.Msg("send queue full")
	}
	return false
}

func (h *Hub) sendError(p *peer, msg string) {
	h.send(p, protocol.Envelope{Type: protocol.TypeError, Message: msg})
}

// sendTargetError names the refused target so callers can match it exactly.
func (h *Hub) sendTargetError(p *peer, target domain.TargetID, msg string) {
	h.send(p, protocol.Envelope{Type: protocol.TypeError, TargetID: target, Message: msg})
}

func (h *Hub) broadcastViewers(env protocol.Envelope) int {
	n := 0
	for _, v := range h.viewers() {
		if h.send(v, env) {
			n++
		}
	}
	return n
}
