// Package managedcloud signals through a hosted provider: one WebSocket
// channel per target, located by a discovery call.
package managedcloud

import (
	"context"
	"encoding/base64"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/protocol"
)

const (
	ActionOffer     = "SDP_OFFER"
	ActionAnswer    = "SDP_ANSWER"
	ActionCandidate = "ICE_CANDIDATE"
	statusResponse  = "STATUS_RESPONSE"
)

var (
	errNoChannel   = errors.New("no channel for target")
	errChannelIdle = errors.New("provider closed the channel")
)

type Config struct {
	DiscoveryURL string        `mapstructure:"discovery_url"`
	Region       string        `mapstructure:"region"`
	Role         string        `mapstructure:"role"`
	ClientID     string        `mapstructure:"client_id"`
	CacheSize    int           `mapstructure:"cache_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Role:         "VIEWER",
		CacheSize:    128,
		CacheTTL:     5 * time.Minute,
		PingInterval: 30 * time.Second,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// outbound frames carry action, inbound ones messageType.
type message struct {
	Action            string `json:"action,omitempty"`
	MessageType       string `json:"messageType,omitempty"`
	RecipientClientID string `json:"recipientClientId,omitempty"`
	SenderClientID    string `json:"senderClientId,omitempty"`
	MessagePayload    string `json:"messagePayload,omitempty"`
	StatusResponse    *struct {
		StatusCode  string `json:"statusCode"`
		Description string `json:"description"`
	} `json:"statusResponse,omitempty"`
}

type channel struct {
	target  domain.TargetID
	conn    *websocket.Conn
	servers []webrtc.ICEServer
	cancel  context.CancelFunc
	writeMu sync.Mutex

	mu     sync.Mutex
	peer   string
	closed bool
}

type invalidator interface {
	Invalidate(domain.TargetID)
}

type Adapter struct {
	cfg    Config
	disc   Discoverer
	clock  clock.Clock
	dialer websocket.Dialer
	events chan core.TransportEvent

	mu       sync.Mutex
	channels map[domain.TargetID]*channel
}

var _ core.Transport = (*Adapter)(nil)

func New(cfg Config, disc Discoverer, clk clock.Clock) *Adapter {
	def := DefaultConfig()
	if cfg.Role == "" {
		cfg.Role = def.Role
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Adapter{
		cfg:      cfg,
		disc:     disc,
		clock:    clk,
		dialer:   websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		events:   make(chan core.TransportEvent, 256),
		channels: make(map[domain.TargetID]*channel),
	}
}

func (a *Adapter) Kind() domain.TransportKind { return domain.TransportManagedCloud }

func (a *Adapter) Capabilities() core.Capabilities {
	return core.Capabilities{LocalOffer: true, Trickle: true}
}

func (a *Adapter) Events() <-chan core.TransportEvent { return a.events }

func (a *Adapter) Open(context.Context) error {
	if a.disc == nil {
		return errors.New("managed cloud discovery not configured")
	}
	return nil
}

func (a *Adapter) ICEServers(target domain.TargetID) []webrtc.ICEServer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.channels[target]; ok {
		return ch.servers
	}
	return nil
}

// Connect discovers the channel of target and opens it.
func (a *Adapter) Connect(ctx context.Context, target domain.TargetID) error {
	l := log.With().Str("module", "adapters.managedcloud").Str("target", string(target)).Logger()

	ep, err := a.disc.Discover(ctx, target)
	if err != nil {
		return errors.Wrap(err, "discover endpoint")
	}
	u, err := url.Parse(ep.URL)
	if err != nil {
		a.invalidate(target)
		return errors.Wrap(err, "endpoint url")
	}
	q := u.Query()
	q.Set("X-Client-Id", a.cfg.ClientID)
	q.Set("X-Channel", string(target))
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()
	conn, _, err := a.dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		a.invalidate(target)
		return errors.Wrap(domain.ErrTransportUnavailable, err.Error())
	}

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		target:  target,
		conn:    conn,
		servers: protocol.ToWebRTC(ep.ICEServers),
		cancel:  chCancel,
	}
	a.mu.Lock()
	old := a.channels[target]
	a.channels[target] = ch
	a.mu.Unlock()
	if old != nil {
		old.shut()
	}

	go a.readLoop(ch)
	go a.keepalive(chCtx, ch)
	l.Info().Str("endpoint", ep.URL).Msg("channel open")
	return nil
}

func (a *Adapter) invalidate(target domain.TargetID) {
	if inv, ok := a.disc.(invalidator); ok {
		inv.Invalidate(target)
	}
}

func (a *Adapter) channel(target domain.TargetID) (*channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[target]
	if !ok {
		return nil, errors.Wrap(errNoChannel, string(target))
	}
	return ch, nil
}

func (a *Adapter) SendLocalDescription(_ context.Context, ref core.SessionRef, desc webrtc.SessionDescription) error {
	action := ActionOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		action = ActionAnswer
	}
	return a.send(ref.Target, action, desc)
}

func (a *Adapter) SendCandidate(_ context.Context, ref core.SessionRef, cand webrtc.ICECandidateInit) error {
	return a.send(ref.Target, ActionCandidate, cand)
}

func (a *Adapter) send(target domain.TargetID, action string, payload any) error {
	ch, err := a.channel(target)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	peer := ch.peer
	ch.mu.Unlock()

	b, err := json.Marshal(message{
		Action:            action,
		RecipientClientID: peer,
		MessagePayload:    base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return err
	}
	return ch.write(websocket.TextMessage, b, a.cfg.WriteTimeout)
}

// Close shuts the channel of the session's target. Safe to call twice.
func (a *Adapter) Close(_ context.Context, ref core.SessionRef) error {
	a.mu.Lock()
	ch, ok := a.channels[ref.Target]
	if ok {
		delete(a.channels, ref.Target)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return ch.shut()
}

func (ch *channel) write(kind int, b []byte, timeout time.Duration) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	return errors.Wrap(ch.conn.WriteMessage(kind, b), "channel write")
}

// shut closes the channel on our side; the reader will not report it.
func (ch *channel) shut() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()
	ch.cancel()
	return ch.conn.Close()
}

func (a *Adapter) keepalive(ctx context.Context, ch *channel) {
	ticker := a.clock.Ticker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ch.writeMu.Lock()
			err := ch.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(a.cfg.WriteTimeout))
			ch.writeMu.Unlock()
			if err != nil {
				log.Debug().Err(err).Str("module", "adapters.managedcloud").Str("target", string(ch.target)).Msg("keepalive failed")
				return
			}
		}
	}
}

func (a *Adapter) readLoop(ch *channel) {
	l := log.With().Str("module", "adapters.managedcloud").Str("target", string(ch.target)).Logger()
	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			ch.mu.Lock()
			ours := ch.closed
			ch.closed = true
			ch.mu.Unlock()
			ch.cancel()
			if ours {
				return
			}
			a.mu.Lock()
			if a.channels[ch.target] == ch {
				delete(a.channels, ch.target)
			}
			a.mu.Unlock()
			_ = ch.conn.Close()
			l.Info().Err(err).Msg("channel closed by provider")
			a.emit(core.TransportEvent{Kind: core.TransportClosed, Target: ch.target, Cause: errors.Wrap(errChannelIdle, err.Error())})
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.Warn().Err(err).Msg("bad provider message")
			continue
		}
		if msg.SenderClientID != "" {
			ch.mu.Lock()
			ch.peer = msg.SenderClientID
			ch.mu.Unlock()
		}
		a.handle(ch.target, msg)
	}
}

func (a *Adapter) handle(target domain.TargetID, msg message) {
	l := log.With().Str("module", "adapters.managedcloud").Str("target", string(target)).Str("type", msg.MessageType).Logger()

	if msg.MessageType == statusResponse || msg.StatusResponse != nil {
		if msg.StatusResponse != nil && msg.StatusResponse.StatusCode != "200" {
			l.Warn().Str("status", msg.StatusResponse.StatusCode).Str("description", msg.StatusResponse.Description).Msg("provider status")
		}
		return
	}

	payload, err := base64.StdEncoding.DecodeString(msg.MessagePayload)
	if err != nil {
		l.Warn().Err(err).Msg("bad payload encoding")
		return
	}

	switch msg.MessageType {
	case ActionOffer, ActionAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(payload, &desc); err != nil {
			l.Warn().Err(err).Msg("bad description payload")
			return
		}
		kind := core.AnswerReceived
		if msg.MessageType == ActionOffer {
			kind = core.OfferReceived
		}
		a.emit(core.TransportEvent{Kind: kind, Target: target, Description: desc})
	case ActionCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &cand); err != nil || cand.Candidate == "" {
			return
		}
		a.emit(core.TransportEvent{Kind: core.CandidateReceived, Target: target, Candidate: cand})
	default:
		l.Debug().Msg("ignored provider message")
	}
}

func (a *Adapter) emit(ev core.TransportEvent) {
	ev.Transport = domain.TransportManagedCloud
	a.events <- ev
}
