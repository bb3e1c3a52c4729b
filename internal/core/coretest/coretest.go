// Package coretest provides in-memory media and transport doubles.
package coretest

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/domain"
)

// OfferSDP and AnswerSDP are minimal descriptions accepted by sdputil.
const (
	OfferSDP = "v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"a=ice-ufrag:offr\r\n" +
		"a=ice-pwd:offerpasswordofferpassw\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=mid:0\r\n" +
		"a=recvonly\r\n" +
		"a=rtpmap:96 VP8/90000\r\n"
	AnswerSDP = "v=0\r\n" +
		"o=- 2 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"a=ice-ufrag:answ\r\n" +
		"a=ice-pwd:answerpasswordanswerpas\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=mid:0\r\n" +
		"a=sendonly\r\n" +
		"a=rtpmap:96 VP8/90000\r\n"
)

// Media is a scripted core.MediaTransport.
type Media struct {
	Ref core.SessionRef

	mu            sync.Mutex
	local         *webrtc.SessionDescription
	remote        *webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	counters      domain.CounterSnapshot
	closed        bool
	panicOnAnswer bool

	onICE   func(*webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onFlow  func()
}

func (m *Media) CreateOffer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: OfferSDP}
	m.local = &d
	return d, nil
}

func (m *Media) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = &offer
	d := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: AnswerSDP}
	m.local = &d
	return d, nil
}

func (m *Media) ApplyAnswer(answer webrtc.SessionDescription) error {
	m.mu.Lock()
	p := m.panicOnAnswer
	m.remote = &answer
	m.mu.Unlock()
	if p {
		panic("engine exploded")
	}
	return nil
}

func (m *Media) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *Media) LocalDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local == nil {
		return nil
	}
	d := *m.local
	return &d
}

func (m *Media) Counters() (domain.CounterSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters, nil
}

func (m *Media) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onICE = fn
}

func (m *Media) OnConnectionState(fn func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *Media) OnFlow(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFlow = fn
}

func (m *Media) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetCounters replaces what Counters returns.
func (m *Media) SetCounters(c domain.CounterSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = c
}

func (m *Media) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Media) Remote() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

func (m *Media) RemoteCandidates() []webrtc.ICECandidateInit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), m.candidates...)
}

// Gather reports a local candidate; nil reports gathering complete.
func (m *Media) Gather(c *webrtc.ICECandidateInit) {
	m.mu.Lock()
	fn := m.onICE
	m.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (m *Media) SetState(st webrtc.PeerConnectionState) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (m *Media) Flow() {
	m.mu.Lock()
	fn := m.onFlow
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Factory hands out Media values and remembers them.
type Factory struct {
	mu            sync.Mutex
	created       []*Media
	PanicOnAnswer bool
}

func (f *Factory) NewMedia(ref core.SessionRef, _ []webrtc.ICEServer) (core.MediaTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &Media{Ref: ref, panicOnAnswer: f.PanicOnAnswer}
	f.created = append(f.created, m)
	return m, nil
}

// Last returns the most recent Media or nil.
func (f *Factory) Last() *Media {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// Transport is a scripted core.Transport.
type Transport struct {
	KindValue  domain.TransportKind
	Caps       core.Capabilities
	OpenErr    error
	ConnectErr error

	events chan core.TransportEvent

	mu           sync.Mutex
	descriptions []webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	closed       []core.SessionRef
	connects     []domain.TargetID
	rejected     []string
}

func NewTransport(kind domain.TransportKind, caps core.Capabilities) *Transport {
	return &Transport{
		KindValue: kind,
		Caps:      caps,
		events:    make(chan core.TransportEvent, 64),
	}
}

func (t *Transport) Kind() domain.TransportKind { return t.KindValue }
func (t *Transport) Capabilities() core.Capabilities { return t.Caps }
func (t *Transport) Open(context.Context) error { return t.OpenErr }
func (t *Transport) ICEServers(domain.TargetID) []webrtc.ICEServer { return nil }
func (t *Transport) Events() <-chan core.TransportEvent { return t.events }

func (t *Transport) Connect(_ context.Context, target domain.TargetID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects = append(t.connects, target)
	return t.ConnectErr
}

func (t *Transport) SendLocalDescription(_ context.Context, _ core.SessionRef, d webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.descriptions = append(t.descriptions, d)
	return nil
}

func (t *Transport) SendCandidate(_ context.Context, _ core.SessionRef, c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *Transport) Close(_ context.Context, ref core.SessionRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = append(t.closed, ref)
	return nil
}

func (t *Transport) Reject(_ domain.TargetID, requestID string, _ error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejected = append(t.rejected, requestID)
}

// Emit queues an event as if it came from the remote side.
func (t *Transport) Emit(ev core.TransportEvent) {
	ev.Transport = t.KindValue
	t.events <- ev
}

func (t *Transport) Descriptions() []webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), t.descriptions...)
}

func (t *Transport) Candidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

func (t *Transport) Closed() []core.SessionRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.SessionRef(nil), t.closed...)
}

func (t *Transport) Connects() []domain.TargetID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.TargetID(nil), t.connects...)
}

func (t *Transport) Rejected() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.rejected...)
}
