// Package relay is the viewer side of the relay hub: one shared WebSocket
// multiplexed by target.
package relay

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/app/heartbeat"
	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/protocol"
)

var (
	errNotConnected = errors.New("relay not connected")
	errHangUp       = errors.New("hang-up from camera")
	errTargetGone   = errors.New("target disconnected")
)

type Config struct {
	URL          string        `mapstructure:"url"`
	ClientType   string        `mapstructure:"client_type"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func DefaultConfig() Config {
	return Config{
		URL:          "ws://localhost:8080/ws",
		ClientType:   "web",
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Adapter implements core.Transport over the relay and heartbeat.Channel for
// the supervisor that keeps it up.
type Adapter struct {
	cfg    Config
	dialer websocket.Dialer
	events chan core.TransportEvent
	done   chan struct{}

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	gen      uint64
	known    map[domain.TargetID]struct{}
	calling  map[domain.TargetID]struct{}
	servers  []webrtc.ICEServer
	onPong   func(time.Time)
	onDown   func(error)
	shutdown bool
}

var (
	_ core.Transport    = (*Adapter)(nil)
	_ heartbeat.Channel = (*Adapter)(nil)
)

func New(cfg Config) *Adapter {
	def := DefaultConfig()
	if cfg.ClientType == "" {
		cfg.ClientType = def.ClientType
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Adapter{
		cfg:     cfg,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		events:  make(chan core.TransportEvent, 256),
		done:    make(chan struct{}),
		known:   make(map[domain.TargetID]struct{}),
		calling: make(map[domain.TargetID]struct{}),
	}
}

// OnPong is called with the echoed timestamp of every protocol pong.
func (a *Adapter) OnPong(fn func(time.Time)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onPong = fn
}

// OnDown is called when the connection breaks without Drop.
func (a *Adapter) OnDown(fn func(error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDown = fn
}

func (a *Adapter) Kind() domain.TransportKind { return domain.TransportRelay }

func (a *Adapter) Capabilities() core.Capabilities {
	return core.Capabilities{LocalOffer: false, Trickle: true}
}

func (a *Adapter) Events() <-chan core.TransportEvent { return a.events }

func (a *Adapter) Open(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return errNotConnected
	}
	return nil
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// Targets lists targets the hub announced.
func (a *Adapter) Targets() []domain.TargetID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Sorted(maps.Keys(a.known))
}

func (a *Adapter) ICEServers(domain.TargetID) []webrtc.ICEServer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.servers)
}

// Dial opens a fresh connection and identifies as a viewer.
func (a *Adapter) Dial(ctx context.Context) error {
	if a.cfg.URL == "" {
		return errors.New("relay url not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()
	conn, _, err := a.dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return errors.Wrap(err, "dial relay")
	}

	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		_ = conn.Close()
		return errors.New("relay adapter shut down")
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.gen++
	gen := a.gen
	a.conn = conn
	a.mu.Unlock()

	go a.readLoop(conn, gen)

	if err := a.write(protocol.Envelope{Type: protocol.TypeIdentify, ClientType: a.cfg.ClientType}); err != nil {
		_ = a.Drop()
		return errors.Wrap(err, "identify")
	}
	log.Info().Str("module", "adapters.relay").Str("url", a.cfg.URL).Msg("relay connected")
	return nil
}

func (a *Adapter) Ping(_ context.Context, ts time.Time) error {
	return a.write(protocol.Envelope{Type: protocol.TypePing, Timestamp: ts.UnixMilli()})
}

// Drop closes the connection on purpose; the reader will not report it.
func (a *Adapter) Drop() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.gen++
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Shutdown drops the connection and stops event delivery.
func (a *Adapter) Shutdown() {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return
	}
	a.shutdown = true
	close(a.done)
	a.mu.Unlock()
	_ = a.Drop()
}

// NotifyLost turns a lost relay into a transport wide TransportClosed event.
func (a *Adapter) NotifyLost(cause error) {
	a.emit(core.TransportEvent{Kind: core.TransportClosed, Cause: cause})
}

func (a *Adapter) Connect(_ context.Context, target domain.TargetID) error {
	a.mu.Lock()
	a.calling[target] = struct{}{}
	a.mu.Unlock()
	return a.write(protocol.Envelope{Type: protocol.TypeCallRequest, TargetID: target})
}

func (a *Adapter) SendLocalDescription(_ context.Context, ref core.SessionRef, desc webrtc.SessionDescription) error {
	env := protocol.Envelope{TargetID: ref.Target}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		env.Type, env.Offer = protocol.TypeOffer, &desc
	case webrtc.SDPTypeAnswer:
		env.Type, env.Answer = protocol.TypeAnswer, &desc
	default:
		return errors.Errorf("unsupported description type %s", desc.Type)
	}
	return a.write(env)
}

func (a *Adapter) SendCandidate(_ context.Context, ref core.SessionRef, cand webrtc.ICECandidateInit) error {
	return a.write(protocol.Envelope{Type: protocol.TypeICECandidate, TargetID: ref.Target, Candidate: &cand})
}

func (a *Adapter) Close(_ context.Context, ref core.SessionRef) error {
	a.mu.Lock()
	delete(a.calling, ref.Target)
	a.mu.Unlock()
	if !a.Connected() {
		return nil
	}
	return a.write(protocol.Envelope{Type: protocol.TypeHangUp, TargetID: ref.Target})
}

func (a *Adapter) write(env protocol.Envelope) error {
	b, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	return errors.Wrap(conn.WriteMessage(websocket.TextMessage, b), "relay write")
}

func (a *Adapter) emit(ev core.TransportEvent) {
	ev.Transport = domain.TransportRelay
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Adapter) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			current := a.gen == gen
			if current {
				a.conn = nil
			}
			onDown := a.onDown
			a.mu.Unlock()
			if !current {
				return
			}
			log.Warn().Err(err).Str("module", "adapters.relay").Msg("relay read failed")
			if onDown != nil {
				onDown(err)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.relay").Msg("bad envelope")
			continue
		}
		a.handle(env)
	}
}

func (a *Adapter) handle(env protocol.Envelope) {
	target := env.TargetID
	switch env.Type {
	case protocol.TypePong:
		a.mu.Lock()
		fn := a.onPong
		a.mu.Unlock()
		if fn != nil {
			fn(time.UnixMilli(env.Timestamp))
		}

	case protocol.TypeICEServers:
		servers := protocol.ToWebRTC(env.IceServers)
		a.mu.Lock()
		a.servers = servers
		a.mu.Unlock()

	case protocol.TypeRegisterTarget:
		a.mu.Lock()
		a.known[target] = struct{}{}
		a.mu.Unlock()
		log.Info().Str("module", "adapters.relay").Str("target", string(target)).Msg("target announced")

	case protocol.TypeTargetDisconnected:
		a.mu.Lock()
		delete(a.known, target)
		delete(a.calling, target)
		a.mu.Unlock()
		a.emit(core.TransportEvent{Kind: core.SessionTerminated, Target: target, Cause: errTargetGone})

	case protocol.TypeOffer:
		if env.Offer == nil {
			return
		}
		a.mu.Lock()
		delete(a.calling, target)
		a.mu.Unlock()
		a.emit(core.TransportEvent{Kind: core.OfferReceived, Target: target, Description: *env.Offer})

	case protocol.TypeAnswer:
		if env.Answer == nil {
			return
		}
		a.emit(core.TransportEvent{Kind: core.AnswerReceived, Target: target, Description: *env.Answer})

	case protocol.TypeICECandidate:
		// an empty candidate only marks the end of remote gathering
		if env.Candidate == nil || env.Candidate.Candidate == "" {
			return
		}
		a.emit(core.TransportEvent{Kind: core.CandidateReceived, Target: target, Candidate: *env.Candidate})

	case protocol.TypeHangUp:
		a.emit(core.TransportEvent{Kind: core.SessionTerminated, Target: target, Cause: errHangUp})

	case protocol.TypeError:
		log.Warn().Str("module", "adapters.relay").Str("message", env.Message).Msg("relay error")
		a.failCalls(env)

	default:
		log.Debug().Str("module", "adapters.relay").Str("type", string(env.Type)).Msg("ignored envelope")
	}
}

// failCalls terminates the pending call request the hub refused. Hubs that
// do not name the target only fail the call when it is the sole one pending.
func (a *Adapter) failCalls(env protocol.Envelope) {
	a.mu.Lock()
	var failed []domain.TargetID
	if env.TargetID != "" {
		if _, ok := a.calling[env.TargetID]; ok {
			failed = append(failed, env.TargetID)
		}
	} else if len(a.calling) == 1 {
		for t := range a.calling {
			if strings.Contains(env.Message, string(t)) {
				failed = append(failed, t)
			}
		}
	}
	for _, t := range failed {
		delete(a.calling, t)
	}
	a.mu.Unlock()
	for _, t := range failed {
		a.emit(core.TransportEvent{Kind: core.SessionTerminated, Target: t, Cause: errors.Wrap(domain.ErrSessionNotFound, env.Message)})
	}
}
