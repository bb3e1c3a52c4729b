// Package pull negotiates by posting the local offer to the camera's HTTP
// endpoint and reading the answer from the response.
package pull

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/sdputil"
)

const (
	contentTypeSDP  = "application/sdp"
	contentTypeFrag = "application/trickle-ice-sdpfrag"
	targetToken     = "{target}"
)

type Config struct {
	// Endpoint is a URL template; {target} is replaced with the escaped target id.
	Endpoint        string        `mapstructure:"endpoint"`
	Trickle         bool          `mapstructure:"trickle"`
	StripCandidates bool          `mapstructure:"strip_candidates"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BearerToken     string        `mapstructure:"bearer_token"`
}

func DefaultConfig() Config {
	return Config{
		Trickle: true,
		Timeout: 10 * time.Second,
	}
}

type session struct {
	ref      core.SessionRef
	location string
	creds    sdputil.Credentials
	queued   []webrtc.ICECandidateInit
}

type Adapter struct {
	cfg    Config
	client *http.Client
	events chan core.TransportEvent

	mu       sync.Mutex
	sessions map[domain.TargetID]*session
}

var _ core.Transport = (*Adapter)(nil)

func New(cfg Config, client *http.Client) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{
		cfg:      cfg,
		client:   client,
		events:   make(chan core.TransportEvent, 256),
		sessions: make(map[domain.TargetID]*session),
	}
}

func (a *Adapter) Kind() domain.TransportKind { return domain.TransportPull }

func (a *Adapter) Capabilities() core.Capabilities {
	return core.Capabilities{LocalOffer: true, Trickle: a.cfg.Trickle}
}

func (a *Adapter) Events() <-chan core.TransportEvent { return a.events }

func (a *Adapter) ICEServers(domain.TargetID) []webrtc.ICEServer { return nil }

func (a *Adapter) Open(context.Context) error {
	if a.cfg.Endpoint == "" {
		return errors.New("pull endpoint not configured")
	}
	return nil
}

// Connect has nothing to do; the offer post starts the session.
func (a *Adapter) Connect(context.Context, domain.TargetID) error { return nil }

func (a *Adapter) endpoint(target domain.TargetID) string {
	return strings.ReplaceAll(a.cfg.Endpoint, targetToken, url.PathEscape(string(target)))
}

// SendLocalDescription posts the offer in the background; the answer comes
// back as an AnswerReceived event.
func (a *Adapter) SendLocalDescription(_ context.Context, ref core.SessionRef, desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeOffer {
		return errors.Errorf("pull sends offers only, got %s", desc.Type)
	}
	body := desc.SDP
	if a.cfg.StripCandidates && a.cfg.Trickle {
		stripped, err := sdputil.StripCandidates(body)
		if err != nil {
			return errors.Wrap(err, "strip candidates")
		}
		body = stripped
	}
	creds, err := sdputil.ICECredentials(desc.SDP)
	if err != nil {
		return errors.Wrap(err, "read ice credentials")
	}

	a.mu.Lock()
	a.sessions[ref.Target] = &session{ref: ref, creds: creds}
	a.mu.Unlock()

	go a.post(ref, body)
	return nil
}

func (a *Adapter) post(ref core.SessionRef, offer string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()
	l := log.With().Str("module", "adapters.pull").Str("target", string(ref.Target)).Str("session", string(ref.ID)).Logger()

	endpoint := a.endpoint(ref.Target)
	resp, err := a.do(ctx, http.MethodPost, endpoint, contentTypeSDP, offer)
	if err != nil {
		a.terminate(ref, errors.Wrap(domain.ErrTransportUnavailable, err.Error()))
		return
	}
	defer resp.Body.Close()
	answer, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		a.terminate(ref, errors.Wrap(domain.ErrSessionNotFound, endpoint))
		return
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		a.terminate(ref, errors.Wrapf(domain.ErrRemoteDescriptionRejected, "%s: %s", resp.Status, strings.TrimSpace(string(answer))))
		return
	default:
		a.terminate(ref, errors.Wrapf(domain.ErrTransportUnavailable, "offer post: %s", resp.Status))
		return
	}

	location := resolve(endpoint, resp.Header.Get("Location"))
	a.mu.Lock()
	s, ok := a.sessions[ref.Target]
	if !ok || s.ref.ID != ref.ID {
		a.mu.Unlock()
		l.Debug().Msg("answer for a closed session")
		if location != "" {
			a.delete(location)
		}
		return
	}
	s.location = location
	queued := s.queued
	s.queued = nil
	creds := s.creds
	a.mu.Unlock()

	l.Info().Str("location", location).Str("answer", sdputil.Summary(string(answer))).Msg("answer received")
	a.emit(core.TransportEvent{
		Kind:        core.AnswerReceived,
		Target:      ref.Target,
		SessionID:   ref.ID,
		Description: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(answer)},
	})

	if len(queued) > 0 && location != "" {
		if err := a.patch(ctx, ref, location, creds, queued); err != nil {
			l.Warn().Err(err).Int("candidates", len(queued)).Msg("queued candidates not delivered")
		}
	}
}

// SendCandidate patches the resource once known; until then candidates are queued.
func (a *Adapter) SendCandidate(ctx context.Context, ref core.SessionRef, cand webrtc.ICECandidateInit) error {
	if !a.cfg.Trickle {
		return nil
	}
	a.mu.Lock()
	s, ok := a.sessions[ref.Target]
	if !ok || s.ref.ID != ref.ID {
		a.mu.Unlock()
		return errors.Wrap(domain.ErrSessionNotFound, string(ref.Target))
	}
	if s.location == "" {
		s.queued = append(s.queued, cand)
		a.mu.Unlock()
		return nil
	}
	location, creds := s.location, s.creds
	a.mu.Unlock()
	return a.patch(ctx, ref, location, creds, []webrtc.ICECandidateInit{cand})
}

func (a *Adapter) patch(ctx context.Context, ref core.SessionRef, location string, creds sdputil.Credentials, cands []webrtc.ICECandidateInit) error {
	resp, err := a.do(ctx, http.MethodPatch, location, contentTypeFrag, sdputil.BuildFragment(creds, cands))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		a.terminate(ref, errors.Wrap(domain.ErrSessionNotFound, location))
		return errors.Wrap(domain.ErrSessionNotFound, location)
	case resp.StatusCode >= 300:
		return errors.Errorf("candidate patch: %s", resp.Status)
	}

	// the server may trickle its own candidates back
	if resp.StatusCode == http.StatusOK && strings.HasPrefix(resp.Header.Get("Content-Type"), contentTypeFrag) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		for _, c := range sdputil.ParseFragment(string(body)) {
			a.emit(core.TransportEvent{Kind: core.CandidateReceived, Target: ref.Target, SessionID: ref.ID, Candidate: c})
		}
	}
	return nil
}

func (a *Adapter) Close(_ context.Context, ref core.SessionRef) error {
	a.mu.Lock()
	s, ok := a.sessions[ref.Target]
	if !ok || s.ref.ID != ref.ID {
		a.mu.Unlock()
		return nil
	}
	delete(a.sessions, ref.Target)
	location := s.location
	a.mu.Unlock()

	if location == "" {
		return nil
	}
	return a.delete(location)
}

func (a *Adapter) delete(location string) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()
	resp, err := a.do(ctx, http.MethodDelete, location, "", "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return errors.Errorf("delete session: %s", resp.Status)
	}
	return nil
}

func (a *Adapter) do(ctx context.Context, method, target, contentType, body string) (*http.Response, error) {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if a.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.BearerToken)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, target)
	}
	return resp, nil
}

func (a *Adapter) terminate(ref core.SessionRef, cause error) {
	log.Warn().Err(cause).Str("module", "adapters.pull").Str("target", string(ref.Target)).Msg("session terminated")
	a.mu.Lock()
	if s, ok := a.sessions[ref.Target]; ok && s.ref.ID == ref.ID {
		delete(a.sessions, ref.Target)
	}
	a.mu.Unlock()
	a.emit(core.TransportEvent{Kind: core.SessionTerminated, Target: ref.Target, SessionID: ref.ID, Cause: cause})
}

func (a *Adapter) emit(ev core.TransportEvent) {
	ev.Transport = domain.TransportPull
	a.events <- ev
}

// resolve makes a possibly relative Location absolute.
func resolve(base, location string) string {
	if location == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return location
	}
	l, err := url.Parse(location)
	if err != nil {
		return location
	}
	return b.ResolveReference(l).String()
}
