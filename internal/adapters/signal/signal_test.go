package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/protocol"
)

func newTestHub(t *testing.T, clk clock.Clock) (*Hub, string) {
	t.Helper()
	return newTestHubClock(t, Config{}, clk)
}

func newTestHubWith(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	return newTestHubClock(t, cfg, clock.New())
}

func newTestHubClock(t *testing.T, cfg Config, clk clock.Clock) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewHub(cfg, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { h.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type wsClient struct {
	t *testing.T
	c *websocket.Conn
}

func dial(t *testing.T, url string) *wsClient {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	wc := &wsClient{t: t, c: c}
	greet := wc.read()
	require.Equal(t, protocol.TypeICEServers, greet.Type)
	require.NotEmpty(t, greet.IceServers)
	return wc
}

func (w *wsClient) send(env protocol.Envelope) {
	w.t.Helper()
	b, err := protocol.Encode(env)
	require.NoError(w.t, err)
	require.NoError(w.t, w.c.WriteMessage(websocket.TextMessage, b))
}

func (w *wsClient) sendRaw(s string) {
	w.t.Helper()
	require.NoError(w.t, w.c.WriteMessage(websocket.TextMessage, []byte(s)))
}

func (w *wsClient) read() protocol.Envelope {
	w.t.Helper()
	require.NoError(w.t, w.c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := w.c.ReadMessage()
	require.NoError(w.t, err)
	env, err := protocol.Decode(data)
	require.NoError(w.t, err)
	return env
}

func (w *wsClient) expect(typ protocol.Type) protocol.Envelope {
	w.t.Helper()
	for {
		env := w.read()
		if env.Type == typ {
			return env
		}
	}
}

func TestHubCallFlow(t *testing.T) {
	h, url := newTestHub(t, clock.New())

	cam := dial(t, url)
	cam.sendRaw(`{"type":"identify","clientType":"android"}`)
	cam.sendRaw(`{"type":"register-camera","cameraId":"cam1"}`)
	require.Eventually(t, func() bool { return len(h.Targets()) == 1 }, time.Second, 5*time.Millisecond)

	viewer := dial(t, url)
	viewer.send(protocol.Envelope{Type: protocol.TypeIdentify, ClientType: "web"})
	reg := viewer.expect(protocol.TypeRegisterTarget)
	require.EqualValues(t, "cam1", reg.TargetID)

	viewer.send(protocol.Envelope{Type: protocol.TypeCallRequest, TargetID: "cam1"})
	call := cam.expect(protocol.TypeCallRequest)
	require.EqualValues(t, "cam1", call.TargetID)
	require.NotEmpty(t, call.FromClient)

	cam.send(protocol.Envelope{
		Type:     protocol.TypeOffer,
		TargetID: "cam1",
		ToClient: call.FromClient,
		Offer:    &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
	})
	offer := viewer.expect(protocol.TypeOffer)
	require.NotNil(t, offer.Offer)
	require.Equal(t, "v=0\r\n", offer.Offer.SDP)

	viewer.send(protocol.Envelope{
		Type:     protocol.TypeAnswer,
		TargetID: "cam1",
		Answer:   &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"},
	})
	answer := cam.expect(protocol.TypeAnswer)
	require.Equal(t, call.FromClient, answer.FromClient)

	viewer.send(protocol.Envelope{
		Type:      protocol.TypeICECandidate,
		TargetID:  "cam1",
		Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 5000 typ host"},
	})
	cand := cam.expect(protocol.TypeICECandidate)
	require.Contains(t, cand.Candidate.Candidate, "typ host")

	require.NoError(t, cam.c.Close())
	gone := viewer.expect(protocol.TypeTargetDisconnected)
	require.EqualValues(t, "cam1", gone.TargetID)
	require.Eventually(t, func() bool { return len(h.Targets()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubCallRequestUnknownTarget(t *testing.T) {
	_, url := newTestHub(t, clock.New())
	viewer := dial(t, url)
	viewer.send(protocol.Envelope{Type: protocol.TypeIdentify, ClientType: "viewer"})
	viewer.send(protocol.Envelope{Type: protocol.TypeCallRequest, TargetID: "nope"})
	e := viewer.expect(protocol.TypeError)
	require.Equal(t, "Camera nope not available", e.Message)
	require.EqualValues(t, "nope", e.TargetID)
}

func TestHubRateLimitedCallNamesTarget(t *testing.T) {
	h, url := newTestHubWith(t, Config{CallRateLimit: 1, CallRateWindow: time.Minute})
	cam := dial(t, url)
	cam.send(protocol.Envelope{Type: protocol.TypeIdentify, ClientType: "android"})
	cam.send(protocol.Envelope{Type: protocol.TypeRegisterTarget, TargetID: "cam1"})
	require.Eventually(t, func() bool { return len(h.Targets()) == 1 }, time.Second, 5*time.Millisecond)

	viewer := dial(t, url)
	viewer.send(protocol.Envelope{Type: protocol.TypeIdentify, ClientType: "web"})
	viewer.send(protocol.Envelope{Type: protocol.TypeCallRequest, TargetID: "cam1"})
	cam.expect(protocol.TypeCallRequest)

	viewer.send(protocol.Envelope{Type: protocol.TypeCallRequest, TargetID: "cam2"})
	e := viewer.expect(protocol.TypeError)
	require.Equal(t, "too many call requests", e.Message)
	require.EqualValues(t, "cam2", e.TargetID)
}

func TestHubPingEchoesTimestamp(t *testing.T) {
	_, url := newTestHub(t, clock.New())
	c := dial(t, url)
	c.send(protocol.Envelope{Type: protocol.TypePing, Timestamp: 1700000000123})
	pong := c.expect(protocol.TypePong)
	require.EqualValues(t, 1700000000123, pong.Timestamp)
}

func TestHubRegisterConflict(t *testing.T) {
	h, url := newTestHub(t, clock.New())
	a := dial(t, url)
	a.send(protocol.Envelope{Type: protocol.TypeRegisterTarget, TargetID: "cam1"})
	require.Eventually(t, func() bool { return len(h.Targets()) == 1 }, time.Second, 5*time.Millisecond)

	b := dial(t, url)
	b.send(protocol.Envelope{Type: protocol.TypeRegisterTarget, TargetID: "cam1"})
	e := b.expect(protocol.TypeError)
	require.Contains(t, e.Message, "already registered")
}

func TestHubSweepsSilentPeers(t *testing.T) {
	clk := clock.NewMock()
	h, url := newTestHub(t, clk)
	dial(t, url)
	require.Equal(t, 1, h.Peers())

	clk.Add(h.cfg.ConnTimeout + time.Second)
	h.sweep()
	require.Eventually(t, func() bool { return h.Peers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubBackpressureDropsCameraFrames(t *testing.T) {
	h := NewHub(Config{}, clock.New(), nil)
	p := &peer{id: "cam", conn: &WsSignalConn{send: make(chan core.Frame, 1)}, cancel: func() {}}
	p.kind.Store(domain.ClientCamera)

	ping := protocol.Envelope{Type: protocol.TypePing}
	require.True(t, h.send(p, ping))
	require.False(t, h.send(p, ping))
	require.False(t, h.send(p, ping))
	require.EqualValues(t, 2, p.strikes.Load())

	<-p.conn.send
	require.True(t, h.send(p, ping))
	require.Zero(t, p.strikes.Load())
}

func TestCallRateLimiter(t *testing.T) {
	clk := clock.NewMock()
	rl := NewCallRateLimiter(clk, 2, 10*time.Second)

	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))
	require.True(t, rl.Allow("b"))

	clk.Add(11 * time.Second)
	require.True(t, rl.Allow("a"))

	rl.Forget("a")
	require.True(t, rl.Allow("a"))
}

func TestCandidateType(t *testing.T) {
	require.Equal(t, "srflx", candidateType("candidate:1 1 udp 1 192.0.2.1 5000 typ srflx raddr 0.0.0.0 rport 0"))
	require.Equal(t, "unknown", candidateType("garbage"))
}
