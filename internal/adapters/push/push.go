// Package push accepts offers posted by producers and answers them on the
// same HTTP request once the local side has produced the answer.
package push

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/app/pushbroker"
	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/domain"
	"github.com/dkeye/CamSignal/internal/sdputil"
)

const (
	contentTypeSDP  = "application/sdp"
	contentTypeFrag = "application/trickle-ice-sdpfrag"
	maxBody         = 1 << 20
)

var errProducerGone = errors.New("producer deleted the session")

type Config struct {
	AnswerTimeout time.Duration `mapstructure:"answer_timeout"`
	// BasePath prefixes the Location of created sessions.
	BasePath string `mapstructure:"base_path"`
}

func DefaultConfig() Config {
	return Config{
		AnswerTimeout: 10 * time.Second,
		BasePath:      "/api/push",
	}
}

type Adapter struct {
	cfg    Config
	broker *pushbroker.Broker
	events chan core.TransportEvent

	mu       sync.Mutex
	requests map[domain.TargetID]string
	sessions map[domain.TargetID]domain.SessionID
}

var (
	_ core.Transport = (*Adapter)(nil)
	_ core.Rejecter  = (*Adapter)(nil)
)

func New(cfg Config, broker *pushbroker.Broker) *Adapter {
	def := DefaultConfig()
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = def.AnswerTimeout
	}
	if cfg.BasePath == "" {
		cfg.BasePath = def.BasePath
	}
	if broker == nil {
		broker = pushbroker.New(nil)
	}
	return &Adapter{
		cfg:      cfg,
		broker:   broker,
		events:   make(chan core.TransportEvent, 256),
		requests: make(map[domain.TargetID]string),
		sessions: make(map[domain.TargetID]domain.SessionID),
	}
}

// Routes mounts the producer facing endpoints on r.
func (a *Adapter) Routes(r gin.IRoutes) {
	r.POST("/:target", a.HandleOffer)
	r.PATCH("/:target/:session", a.HandleCandidates)
	r.DELETE("/:target/:session", a.HandleDelete)
}

func (a *Adapter) Kind() domain.TransportKind { return domain.TransportPush }

func (a *Adapter) Capabilities() core.Capabilities {
	return core.Capabilities{LocalOffer: false, Trickle: false}
}

func (a *Adapter) Events() <-chan core.TransportEvent { return a.events }

func (a *Adapter) ICEServers(domain.TargetID) []webrtc.ICEServer { return nil }

func (a *Adapter) Open(context.Context) error { return nil }

// Connect arms a session; the producer's next POST completes it.
func (a *Adapter) Connect(_ context.Context, target domain.TargetID) error {
	log.Debug().Str("module", "adapters.push").Str("target", string(target)).Msg("waiting for producer offer")
	return nil
}

func (a *Adapter) SendLocalDescription(_ context.Context, ref core.SessionRef, desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeAnswer {
		return errors.Errorf("push sends answers only, got %s", desc.Type)
	}
	a.mu.Lock()
	requestID, ok := a.requests[ref.Target]
	delete(a.requests, ref.Target)
	if ok {
		a.sessions[ref.Target] = ref.ID
	}
	a.mu.Unlock()

	if !ok || !a.broker.Fulfill(requestID, pushbroker.Answer{Description: desc, SessionID: ref.ID}) {
		return errors.Wrapf(domain.ErrSessionNotFound, "no pending push request for %s", ref.Target)
	}
	return nil
}

// SendCandidate is a no-op; answers always carry every candidate.
func (a *Adapter) SendCandidate(context.Context, core.SessionRef, webrtc.ICECandidateInit) error {
	return nil
}

func (a *Adapter) Close(_ context.Context, ref core.SessionRef) error {
	a.mu.Lock()
	if a.sessions[ref.Target] == ref.ID {
		delete(a.sessions, ref.Target)
	}
	delete(a.requests, ref.Target)
	a.mu.Unlock()
	a.broker.FailTarget(ref.Target, domain.ErrSessionClosed)
	return nil
}

func (a *Adapter) Reject(target domain.TargetID, requestID string, cause error) {
	a.mu.Lock()
	if a.requests[target] == requestID {
		delete(a.requests, target)
	}
	a.mu.Unlock()
	a.broker.Fail(requestID, cause)
}

// HandleOffer is POST /:target with an application/sdp body.
func (a *Adapter) HandleOffer(c *gin.Context) {
	target, err := domain.ParseTargetID(c.Param("target"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing offer"})
		return
	}

	requestID := uuid.NewString()
	l := log.With().Str("module", "adapters.push").Str("target", string(target)).Str("request", requestID).Logger()

	pending, err := a.broker.Register(requestID, target, a.cfg.AnswerTimeout)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	// the first pending offer of a target owns the answer
	a.mu.Lock()
	if _, busy := a.requests[target]; !busy {
		a.requests[target] = requestID
	}
	a.mu.Unlock()

	l.Info().Str("offer", sdputil.Summary(string(body))).Msg("producer offer")
	a.emit(core.TransportEvent{
		Kind:        core.OfferReceived,
		Target:      target,
		RequestID:   requestID,
		Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(body)},
	})

	answer, err := pending.Wait(c.Request.Context())
	if err != nil {
		a.mu.Lock()
		if a.requests[target] == requestID {
			delete(a.requests, target)
		}
		a.mu.Unlock()
		l.Warn().Err(err).Msg("push request failed")
		a.fail(c, target, err)
		return
	}

	c.Header("Location", a.cfg.BasePath+"/"+url.PathEscape(string(target))+"/"+string(answer.SessionID))
	c.Data(http.StatusCreated, contentTypeSDP, []byte(answer.Description.SDP))
}

func (a *Adapter) fail(c *gin.Context, target domain.TargetID, err error) {
	switch {
	case errors.Is(err, domain.ErrAnswerTimeout):
		a.emit(core.TransportEvent{Kind: core.SessionTerminated, Target: target, Cause: err})
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		a.emit(core.TransportEvent{Kind: core.SessionTerminated, Target: target, Cause: err})
		c.Status(http.StatusRequestTimeout)
	case errors.Is(err, domain.ErrAlreadyNegotiating):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRemoteDescriptionRejected):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

func (a *Adapter) session(c *gin.Context) (domain.TargetID, domain.SessionID, bool) {
	target := domain.TargetID(c.Param("target"))
	id := domain.SessionID(c.Param("session"))
	a.mu.Lock()
	cur, ok := a.sessions[target]
	a.mu.Unlock()
	if !ok || cur != id {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrSessionNotFound.Error()})
		return "", "", false
	}
	return target, id, true
}

// HandleCandidates is PATCH /:target/:session with a trickle-ice-sdpfrag body.
func (a *Adapter) HandleCandidates(c *gin.Context) {
	target, id, ok := a.session(c)
	if !ok {
		return
	}
	if ct := c.ContentType(); ct != contentTypeFrag {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "expected " + contentTypeFrag})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	for _, cand := range sdputil.ParseFragment(string(body)) {
		a.emit(core.TransportEvent{Kind: core.CandidateReceived, Target: target, SessionID: id, Candidate: cand})
	}
	c.Status(http.StatusNoContent)
}

// HandleDelete is DELETE /:target/:session.
func (a *Adapter) HandleDelete(c *gin.Context) {
	target, id, ok := a.session(c)
	if !ok {
		return
	}
	a.mu.Lock()
	delete(a.sessions, target)
	a.mu.Unlock()
	log.Info().Str("module", "adapters.push").Str("target", string(target)).Str("session", string(id)).Msg("producer hung up")
	a.emit(core.TransportEvent{Kind: core.SessionTerminated, Target: target, SessionID: id, Cause: errProducerGone})
	c.Status(http.StatusOK)
}

func (a *Adapter) emit(ev core.TransportEvent) {
	ev.Transport = domain.TransportPush
	a.events <- ev
}
