package orch

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/CamSignal/internal/app"
	"github.com/dkeye/CamSignal/internal/app/ice"
	"github.com/dkeye/CamSignal/internal/app/quality"
	"github.com/dkeye/CamSignal/internal/core"
	"github.com/dkeye/CamSignal/internal/domain"
)

type Config struct {
	DegradedWindow     time.Duration      `mapstructure:"degraded_window"`
	TeardownGrace      time.Duration      `mapstructure:"teardown_grace"`
	NegotiationTimeout time.Duration      `mapstructure:"negotiation_timeout"`
	StatsInterval      time.Duration      `mapstructure:"stats_interval"`
	SendTimeout        time.Duration      `mapstructure:"send_timeout"`
	DefaultIcePolicy   domain.IcePolicy   `mapstructure:"ice_policy"`
	AutoAccept         bool               `mapstructure:"auto_accept"`
	Thresholds         quality.Thresholds `mapstructure:"thresholds"`
	ICEServers         []webrtc.ICEServer `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		DegradedWindow:     10 * time.Second,
		TeardownGrace:      5 * time.Second,
		NegotiationTimeout: 30 * time.Second,
		StatsInterval:      time.Second,
		SendTimeout:        10 * time.Second,
		DefaultIcePolicy:   domain.IceTrickle,
		AutoAccept:         true,
		Thresholds:         quality.DefaultThresholds(),
	}
}

// Options tune one outbound session.
type Options struct {
	IcePolicy domain.IcePolicy
}

type Orchestrator struct {
	Registry *app.Registry[*session]

	cfg        Config
	clock      clock.Clock
	media      core.MediaFactory
	ice        *ice.Policy
	transports map[domain.TransportKind]core.Transport

	subsMu  sync.RWMutex
	subs    map[int]chan Event
	nextSub int
}

func New(cfg Config, clk clock.Clock, media core.MediaFactory, policy *ice.Policy, transports ...core.Transport) *Orchestrator {
	def := DefaultConfig()
	if cfg.DegradedWindow <= 0 {
		cfg.DegradedWindow = def.DegradedWindow
	}
	if cfg.TeardownGrace <= 0 {
		cfg.TeardownGrace = def.TeardownGrace
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = def.NegotiationTimeout
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.DefaultIcePolicy == "" {
		cfg.DefaultIcePolicy = def.DefaultIcePolicy
	}
	if clk == nil {
		clk = clock.New()
	}
	if policy == nil {
		policy = ice.NewPolicy(clk, 0)
	}

	o := &Orchestrator{
		Registry:   app.NewRegistry[*session](),
		cfg:        cfg,
		clock:      clk,
		media:      media,
		ice:        policy,
		transports: make(map[domain.TransportKind]core.Transport),
		subs:       make(map[int]chan Event),
	}
	for _, t := range transports {
		o.transports[t.Kind()] = t
	}
	return o
}

// Run dispatches transport events and samples stats until ctx is done.
// Active sessions are closed on the way out.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range o.transports {
		wg.Add(1)
		go func(t core.Transport) {
			defer wg.Done()
			o.dispatchLoop(ctx, t)
		}(t)
	}

	ticker := o.clock.Ticker(o.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.closeAll(errors.Wrap(domain.ErrSessionClosed, "shutdown"))
			wg.Wait()
			return nil
		case <-ticker.C:
			o.sampleAll()
		}
	}
}

func (o *Orchestrator) dispatchLoop(ctx context.Context, t core.Transport) {
	events := t.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Warn().Str("module", "app.orch").Str("transport", string(t.Kind())).Msg("transport event stream closed")
				return
			}
			o.dispatch(t, ev)
		}
	}
}

// dispatch only routes; handling happens on the session goroutine.
func (o *Orchestrator) dispatch(t core.Transport, ev core.TransportEvent) {
	kind := t.Kind()
	l := log.Debug().Str("module", "app.orch").Str("transport", string(kind)).Str("target", string(ev.Target)).Stringer("event", ev.Kind)

	if ev.Kind == core.TransportClosed && ev.Target == "" {
		l.Msg("transport lost")
		o.OnTransportLost(kind, ev.Cause)
		return
	}

	if ev.Kind == core.OfferReceived {
		l.Msg("remote offer")
		o.acceptRemoteOffer(t, ev)
		return
	}

	s, ok := o.Registry.Get(ev.Target)
	if !ok || s.kind != kind || (ev.SessionID != "" && ev.SessionID != s.ref.ID) {
		l.Msg("event for unknown session dropped")
		return
	}
	l.Str("session", string(s.ref.ID)).Msg("routed")

	switch ev.Kind {
	case core.AnswerReceived:
		s.enqueue(func() { s.onRemoteAnswer(ev.Description) })
	case core.CandidateReceived:
		s.enqueue(func() { s.onRemoteCandidate(ev.Candidate) })
	case core.SessionTerminated:
		cause := ev.Cause
		if cause == nil {
			cause = errors.New("terminated by remote")
		}
		s.enqueue(func() { s.close(cause) })
	case core.TransportClosed:
		s.enqueue(func() { s.onTransportClosed(ev.Cause) })
	}
}

func (o *Orchestrator) acceptRemoteOffer(t core.Transport, ev core.TransportEvent) {
	if s, ok := o.Registry.Get(ev.Target); ok && s.Active() && s.kind == t.Kind() && s.awaitingOffer.Load() {
		s.enqueue(func() { s.onRemoteOffer(ev.Description) })
		return
	}
	if !o.cfg.AutoAccept {
		o.reject(t, ev, errors.New("inbound sessions disabled"))
		return
	}
	if _, err := o.AcceptInbound(context.Background(), t.Kind(), ev.Target, ev.Description); err != nil {
		o.reject(t, ev, err)
	}
}

func (o *Orchestrator) reject(t core.Transport, ev core.TransportEvent, cause error) {
	log.Info().Err(cause).Str("module", "app.orch").Str("transport", string(t.Kind())).Str("target", string(ev.Target)).Msg("inbound offer rejected")
	if r, ok := t.(core.Rejecter); ok {
		r.Reject(ev.Target, ev.RequestID, cause)
	}
}

func (o *Orchestrator) transport(kind domain.TransportKind) (core.Transport, error) {
	t, ok := o.transports[kind]
	if !ok {
		return nil, errors.Wrapf(domain.ErrTransportUnavailable, "no %s adapter", kind)
	}
	return t, nil
}

func (o *Orchestrator) effectivePolicy(t core.Transport, requested domain.IcePolicy) domain.IcePolicy {
	if requested == "" {
		requested = o.cfg.DefaultIcePolicy
	}
	if !t.Capabilities().Trickle {
		return domain.IceBatched
	}
	return requested
}

// StartOutbound begins a consumer initiated session to target.
func (o *Orchestrator) StartOutbound(ctx context.Context, target domain.TargetID, kind domain.TransportKind, opts Options) (domain.SessionSnapshot, error) {
	t, err := o.transport(kind)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	if err := t.Open(ctx); err != nil {
		return domain.SessionSnapshot{}, errors.Wrap(domain.ErrTransportUnavailable, err.Error())
	}

	s, err := o.claim(t, target, o.effectivePolicy(t, opts.IcePolicy), !t.Capabilities().LocalOffer)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}

	if err := t.Connect(ctx, target); err != nil {
		cause := errors.Wrap(domain.ErrTransportUnavailable, err.Error())
		s.enqueue(func() { s.close(cause) })
		return domain.SessionSnapshot{}, cause
	}
	if t.Capabilities().LocalOffer {
		s.enqueue(s.startLocalOffer)
	}

	log.Info().Str("module", "app.orch").Str("target", string(target)).Str("session", string(s.ref.ID)).Str("transport", string(kind)).Str("ice", string(s.mode)).Msg("outbound session started")
	return s.Snapshot(), nil
}

// AcceptInbound answers a producer initiated offer for target.
func (o *Orchestrator) AcceptInbound(ctx context.Context, kind domain.TransportKind, target domain.TargetID, offer webrtc.SessionDescription) (domain.SessionSnapshot, error) {
	t, err := o.transport(kind)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.SessionSnapshot{}, err
	}

	if s, ok := o.Registry.Get(target); ok && s.Active() && s.kind == kind && s.awaitingOffer.Load() {
		s.enqueue(func() { s.onRemoteOffer(offer) })
		return s.Snapshot(), nil
	}

	s, err := o.claim(t, target, o.effectivePolicy(t, ""), true)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	s.enqueue(func() { s.onRemoteOffer(offer) })

	log.Info().Str("module", "app.orch").Str("target", string(target)).Str("session", string(s.ref.ID)).Str("transport", string(kind)).Msg("inbound session accepted")
	return s.Snapshot(), nil
}

func (o *Orchestrator) claim(t core.Transport, target domain.TargetID, mode domain.IcePolicy, awaitingOffer bool) (*session, error) {
	s := newSession(o, t, target, mode, awaitingOffer)
	cur, ok := o.Registry.Claim(s)
	if !ok {
		return nil, errors.Wrapf(domain.ErrAlreadyNegotiating, "%s is %s", target, cur.Snapshot().State)
	}
	s.start()
	return s, nil
}

// Teardown closes the active session of target on operator request.
func (o *Orchestrator) Teardown(ctx context.Context, target domain.TargetID) error {
	s, ok := o.Registry.Get(target)
	if !ok || !s.Active() {
		return errors.Wrap(domain.ErrSessionNotFound, string(target))
	}
	s.manual.Store(true)

	done := make(chan struct{})
	if !s.enqueue(func() {
		defer close(done)
		s.close(errors.Wrap(domain.ErrSessionClosed, "manual teardown"))
	}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnTransportLost closes sessions of kind that have no media yet.
// Connected and degraded sessions keep their media.
func (o *Orchestrator) OnTransportLost(kind domain.TransportKind, cause error) {
	if cause == nil {
		cause = errors.New("transport lost")
	}
	for _, s := range o.Registry.List() {
		if s.kind != kind || !s.Active() || s.manual.Load() {
			continue
		}
		s.enqueue(func() { s.onTransportClosed(cause) })
	}
}

func (o *Orchestrator) closeAll(cause error) {
	for _, s := range o.Registry.List() {
		if s.Active() {
			s.enqueue(func() { s.close(cause) })
		}
	}
}

func (o *Orchestrator) sampleAll() {
	for _, s := range o.Registry.List() {
		if !s.Snapshot().State.Live() {
			continue
		}
		// a tick that finds the previous sample still running is skipped
		if !s.statsBusy.CompareAndSwap(false, true) {
			continue
		}
		if !s.enqueue(s.sampleStats) {
			s.statsBusy.Store(false)
		}
	}
}

// Sessions returns snapshots ordered by target.
func (o *Orchestrator) Sessions() []domain.SessionSnapshot {
	snaps := lo.Map(o.Registry.List(), func(s *session, _ int) domain.SessionSnapshot {
		return s.Snapshot()
	})
	slices.SortFunc(snaps, func(a, b domain.SessionSnapshot) int {
		return strings.Compare(string(a.Target), string(b.Target))
	})
	return snaps
}

func (o *Orchestrator) Session(target domain.TargetID) (domain.SessionSnapshot, bool) {
	s, ok := o.Registry.Get(target)
	if !ok {
		return domain.SessionSnapshot{}, false
	}
	return s.Snapshot(), true
}

// Totals aggregates snapshots; no session is locked while computing it.
func (o *Orchestrator) Totals() domain.Totals {
	snaps := lo.Filter(o.Sessions(), func(s domain.SessionSnapshot, _ int) bool {
		return !s.State.Terminal()
	})
	live := lo.Filter(snaps, func(s domain.SessionSnapshot, _ int) bool { return s.State.Live() })

	t := domain.Totals{
		Sessions:    len(snaps),
		Connected:   lo.CountBy(snaps, func(s domain.SessionSnapshot) bool { return s.State == domain.StateConnected }),
		Degraded:    lo.CountBy(snaps, func(s domain.SessionSnapshot) bool { return s.State == domain.StateDegraded }),
		Negotiating: lo.CountBy(snaps, func(s domain.SessionSnapshot) bool { return !s.State.Live() }),
		BandwidthKbps: lo.SumBy(live, func(s domain.SessionSnapshot) int64 {
			return s.Rates.BandwidthKbps
		}),
	}
	if len(live) > 0 {
		t.PacketLossRatePct = lo.SumBy(live, func(s domain.SessionSnapshot) float64 {
			return s.Rates.PacketLossRatePct
		}) / float64(len(live))
	}
	return t
}

// Transports lists the kinds this orchestrator can negotiate over.
func (o *Orchestrator) Transports() []domain.TransportKind {
	kinds := lo.Keys(o.transports)
	slices.Sort(kinds)
	return kinds
}

func (o *Orchestrator) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.cfg.SendTimeout)
}
