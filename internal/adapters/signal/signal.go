// Package signal is the relay broker hub: cameras register targets and
// viewers reach them through it.
package signal

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/app"
	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/protocol"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Config struct {
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	ConnTimeout    time.Duration `mapstructure:"conn_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SendQueue      int           `mapstructure:"send_queue"`
	CallRateLimit  int           `mapstructure:"call_rate_limit"`
	CallRateWindow time.Duration `mapstructure:"call_rate_window"`
	ICEServers     []string      `mapstructure:"ice_servers"`
}

func DefaultConfig() Config {
	return Config{
		ReadLimit:      1 << 20,
		PingPeriod:     30 * time.Second,
		ConnTimeout:    60 * time.Second,
		SweepInterval:  10 * time.Second,
		SendQueue:      32,
		CallRateLimit:  5,
		CallRateWindow: 10 * time.Second,
		ICEServers:     []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.PeerConn = (*WsSignalConn)(nil)

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Pending() int {
	return len(c.send)
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// peer is one hub connection.
type peer struct {
	id     domain.ClientID
	conn   *WsSignalConn
	cancel context.CancelFunc

	kind     atomic.Value // domain.ClientType
	strikes  atomic.Int32
	lastSeen atomic.Int64
}

func (p *peer) Kind() domain.ClientType {
	k, _ := p.kind.Load().(domain.ClientType)
	return k
}

// Hub routes relay envelopes between cameras and viewers.
type Hub struct {
	cfg     Config
	clock   clock.Clock
	policy  app.Policy
	limiter *CallRateLimiter

	mu         sync.RWMutex
	peers      map[domain.ClientID]*peer
	targets    map[domain.TargetID]domain.ClientID
	candidates map[candidateKey]int
}

// candidateKey counts candidates per target and sending client, for logs only.
type candidateKey struct {
	target domain.TargetID
	client domain.ClientID
}

func NewHub(cfg Config, clk clock.Clock, policy app.Policy) *Hub {
	def := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = def.ConnTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.CallRateLimit <= 0 {
		cfg.CallRateLimit = def.CallRateLimit
	}
	if cfg.CallRateWindow <= 0 {
		cfg.CallRateWindow = def.CallRateWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Hub{
		cfg:        cfg,
		clock:      clk,
		policy:     policy,
		limiter:    NewCallRateLimiter(clk, cfg.CallRateLimit, cfg.CallRateWindow),
		peers:      make(map[domain.ClientID]*peer),
		targets:    make(map[domain.TargetID]domain.ClientID),
		candidates: make(map[candidateKey]int),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Hub) HandleSignal(ctx context.Context, c *gin.Context) {
	id := domain.NewClientID()
	log.Info().Str("module", "signal").Str("client", string(id)).Str("token", c.GetString("client_token")).Str("ip", c.ClientIP()).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, h.cfg.SendQueue),
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &peer{id: id, conn: conn, cancel: cancel}
	p.kind.Store(domain.ClientUnknown)
	p.lastSeen.Store(h.clock.Now().UnixNano())

	h.mu.Lock()
	h.peers[id] = p
	h.mu.Unlock()

	h.send(p, protocol.Envelope{Type: protocol.TypeICEServers, IceServers: protocol.FromURLs(h.cfg.ICEServers...)})

	go h.writePump(ctx, p)
	go h.readPump(ctx, p)
}

// Targets lists registered targets in order.
func (h *Hub) Targets() []domain.TargetID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Sorted(maps.Keys(h.targets))
}

func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) peer(id domain.ClientID) (*peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[id]
	return p, ok
}

func (h *Hub) viewers() []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		if p.Kind() == domain.ClientViewer {
			out = append(out, p)
		}
	}
	return out
}

func (h *Hub) owner(target domain.TargetID) (*peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.targets[target]
	if !ok {
		return nil, false
	}
	p, ok := h.peers[id]
	return p, ok
}

func (h *Hub) touch(p *peer) {
	p.lastSeen.Store(h.clock.Now().UnixNano())
}

// drop removes a closed peer and releases the targets it owned.
func (h *Hub) drop(p *peer) {
	h.mu.Lock()
	if _, ok := h.peers[p.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p.id)
	var released []domain.TargetID
	for t, owner := range h.targets {
		if owner == p.id {
			delete(h.targets, t)
			released = append(released, t)
		}
	}
	for key := range h.candidates {
		if key.client == p.id || slices.Contains(released, key.target) {
			delete(h.candidates, key)
		}
	}
	h.mu.Unlock()

	h.limiter.Forget(p.id)
	p.cancel()
	p.conn.Close()

	for _, t := range released {
		log.Info().Str("module", "signal").Str("target", string(t)).Msg("target unregistered")
		h.broadcastViewers(protocol.Envelope{Type: protocol.TypeTargetDisconnected, TargetID: t})
	}
	log.Info().Str("module", "signal").Str("client", string(p.id)).Msg("client disconnected")
}
