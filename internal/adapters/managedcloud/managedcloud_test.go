package managedcloud

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/protocol"
)

func TestCachingDiscovererHonoursTTL(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := NewMockDiscoverer(ctrl)
	clk := clock.NewMock()
	clk.Set(time.Now())
	c := NewCachingDiscoverer(next, clk, 8, time.Hour)

	ep := Endpoint{URL: "wss://signal.example/ch1", TTLSeconds: 60}
	next.EXPECT().Discover(gomock.Any(), domain.TargetID("cam1")).Return(ep, nil).Times(3)

	for range 3 {
		got, err := c.Discover(context.Background(), "cam1")
		require.NoError(t, err)
		require.Equal(t, ep.URL, got.URL)
	}

	// the endpoint's own ttl is shorter than the cache ttl
	clk.Add(61 * time.Second)
	_, err := c.Discover(context.Background(), "cam1")
	require.NoError(t, err)

	c.Invalidate("cam1")
	_, err = c.Discover(context.Background(), "cam1")
	require.NoError(t, err)
}

func TestCachingDiscovererDoesNotCacheErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := NewMockDiscoverer(ctrl)
	c := NewCachingDiscoverer(next, nil, 0, time.Minute)

	gomock.InOrder(
		next.EXPECT().Discover(gomock.Any(), gomock.Any()).Return(Endpoint{}, domain.ErrTransportUnavailable),
		next.EXPECT().Discover(gomock.Any(), gomock.Any()).Return(Endpoint{URL: "wss://x"}, nil),
	)
	_, err := c.Discover(context.Background(), "cam1")
	require.ErrorIs(t, err, domain.ErrTransportUnavailable)
	_, err = c.Discover(context.Background(), "cam1")
	require.NoError(t, err)
}

func TestHTTPDiscoverer(t *testing.T) {
	ctrl := gomock.NewController(t)
	creds := NewMockCredentialResolver(ctrl)
	creds.EXPECT().Resolve(gomock.Any()).Return(Credentials{AccessKey: "AK", Secret: "sk", Token: "tok"}, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/endpoint", r.URL.Path)
		assert.Equal(t, "AK", r.Header.Get("X-Access-Key"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req discoveryRequest
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, Sign("sk", body), r.Header.Get("X-Signature"))
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, discoveryRequest{Region: "eu-west-1", Channel: "cam1", Role: "VIEWER", ClientID: "gw"}, req)
		_, _ = io.WriteString(w, `{"endpoint":"wss://signal.example","iceServers":[{"urls":"turn:turn.example:443","username":"u","credential":"p"}],"ttlSeconds":300}`)
	}))
	t.Cleanup(srv.Close)

	d := &HTTPDiscoverer{URL: srv.URL + "/", Region: "eu-west-1", Role: "VIEWER", ClientID: "gw", Creds: creds}
	ep, err := d.Discover(context.Background(), "cam1")
	require.NoError(t, err)
	require.Equal(t, "wss://signal.example", ep.URL)
	require.Equal(t, 300, ep.TTLSeconds)
	require.Len(t, ep.ICEServers, 1)
	require.Equal(t, []string{"turn:turn.example:443"}, []string(ep.ICEServers[0].URLs))
}

func TestSign(t *testing.T) {
	// RFC 4231 test case 2
	require.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", Sign("Jefe", []byte("what do ya want for nothing?")))
}

func TestHTTPDiscovererUnsignedWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Signature"))
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"endpoint":"wss://signal.example"}`)
	}))
	t.Cleanup(srv.Close)

	d := &HTTPDiscoverer{URL: srv.URL, Creds: StaticCredentials{AccessKey: "AK"}}
	ep, err := d.Discover(context.Background(), "cam1")
	require.NoError(t, err)
	require.Equal(t, "wss://signal.example", ep.URL)
}

func TestHTTPDiscovererFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	d := &HTTPDiscoverer{URL: srv.URL, Creds: StaticCredentials{AccessKey: "AK"}}
	_, err := d.Discover(context.Background(), "cam1")
	require.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

// provider is a fake signaling service holding one channel connection.
type provider struct {
	conns chan *websocket.Conn
	url   string
}

func newProvider(t *testing.T) *provider {
	t.Helper()
	p := &provider{conns: make(chan *websocket.Conn, 1)}
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gw", r.URL.Query().Get("X-Client-Id"))
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.conns <- c
	}))
	t.Cleanup(srv.Close)
	p.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return p
}

func (p *provider) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-p.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no channel connection")
		return nil
	}
}

func readMessage(t *testing.T, c *websocket.Conn, payload any) message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var msg message
	require.NoError(t, json.Unmarshal(data, &msg))
	raw, err := base64.StdEncoding.DecodeString(msg.MessagePayload)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, payload))
	return msg
}

func writeMessage(t *testing.T, c *websocket.Conn, typ, sender string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(message{MessageType: typ, SenderClientID: sender, MessagePayload: base64.StdEncoding.EncodeToString(raw)})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, b))
}

func nextEvent(t *testing.T, a *Adapter) core.TransportEvent {
	t.Helper()
	select {
	case ev := <-a.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no transport event")
		return core.TransportEvent{}
	}
}

func TestChannelNegotiation(t *testing.T) {
	p := newProvider(t)
	ctrl := gomock.NewController(t)
	disc := NewMockDiscoverer(ctrl)
	disc.EXPECT().Discover(gomock.Any(), domain.TargetID("cam1")).Return(Endpoint{
		URL:        p.url,
		ICEServers: protocol.FromURLs("stun:stun.example:3478"),
	}, nil)

	a := New(Config{ClientID: "gw"}, disc, clock.NewMock())
	require.NoError(t, a.Open(context.Background()))
	require.NoError(t, a.Connect(context.Background(), "cam1"))
	conn := p.accept(t)
	require.Len(t, a.ICEServers("cam1"), 1)

	ref := core.SessionRef{ID: "s1", Target: "cam1"}
	require.NoError(t, a.SendLocalDescription(context.Background(), ref, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}))
	var offer webrtc.SessionDescription
	msg := readMessage(t, conn, &offer)
	require.Equal(t, ActionOffer, msg.Action)
	require.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	writeMessage(t, conn, ActionAnswer, "master-1", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"})
	ev := nextEvent(t, a)
	require.Equal(t, core.AnswerReceived, ev.Kind)
	require.Equal(t, domain.TransportManagedCloud, ev.Transport)
	require.EqualValues(t, "cam1", ev.Target)

	writeMessage(t, conn, ActionCandidate, "master-1", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 5000 typ host"})
	ev = nextEvent(t, a)
	require.Equal(t, core.CandidateReceived, ev.Kind)

	// replies go to the peer that spoke last
	require.NoError(t, a.SendCandidate(context.Background(), ref, webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 192.0.2.2 5000 typ host"}))
	var cand webrtc.ICECandidateInit
	msg = readMessage(t, conn, &cand)
	require.Equal(t, ActionCandidate, msg.Action)
	require.Equal(t, "master-1", msg.RecipientClientID)
	require.Contains(t, cand.Candidate, "192.0.2.2")

	// provider idle close
	require.NoError(t, conn.Close())
	ev = nextEvent(t, a)
	require.Equal(t, core.TransportClosed, ev.Kind)
	require.EqualValues(t, "cam1", ev.Target)
	require.ErrorIs(t, ev.Cause, errChannelIdle)
	require.ErrorIs(t, a.SendCandidate(context.Background(), ref, webrtc.ICECandidateInit{Candidate: "x"}), errNoChannel)
}

func TestCloseIsSilentAndIdempotent(t *testing.T) {
	p := newProvider(t)
	ctrl := gomock.NewController(t)
	disc := NewMockDiscoverer(ctrl)
	disc.EXPECT().Discover(gomock.Any(), gomock.Any()).Return(Endpoint{URL: p.url}, nil)

	a := New(Config{ClientID: "gw"}, disc, nil)
	require.NoError(t, a.Connect(context.Background(), "cam1"))
	p.accept(t)

	ref := core.SessionRef{ID: "s1", Target: "cam1"}
	require.NoError(t, a.Close(context.Background(), ref))
	require.NoError(t, a.Close(context.Background(), ref))

	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectDialFailureInvalidates(t *testing.T) {
	ctrl := gomock.NewController(t)
	next := NewMockDiscoverer(ctrl)
	next.EXPECT().Discover(gomock.Any(), gomock.Any()).Return(Endpoint{URL: "ws://127.0.0.1:1/none"}, nil).Times(2)
	disc := NewCachingDiscoverer(next, nil, 4, time.Minute)

	a := New(Config{DialTimeout: time.Second}, disc, nil)
	require.ErrorIs(t, a.Connect(context.Background(), "cam1"), domain.ErrTransportUnavailable)
	require.ErrorIs(t, a.Connect(context.Background(), "cam1"), domain.ErrTransportUnavailable)
	require.Error(t, New(Config{}, nil, nil).Open(context.Background()))
}

func TestStatusResponseIgnored(t *testing.T) {
	a := New(Config{}, nil, nil)
	a.handle("cam1", message{MessageType: statusResponse})
	a.handle("cam1", message{MessageType: "GO_AWAY", MessagePayload: "e30="})
	a.handle("cam1", message{MessageType: ActionAnswer, MessagePayload: "%%%"})
	require.Empty(t, a.Events())
}
