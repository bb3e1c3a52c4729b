// Package metrics exposes session, push and relay figures to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/app/orch"
	"github.com/dkeye/CamSignal/internal/app/pushbroker"
	"github.com/dkeye/CamSignal/internal/domain"
)

const namespace = "camsignal"

// A target may hold one session per transport.
var sessionLabels = []string{"target", "transport"}

type Collector struct {
	transitions  *prometheus.CounterVec
	bandwidth    *prometheus.GaugeVec
	packetLoss   *prometheus.GaugeVec
	freezes      *prometheus.GaugeVec
	rtt          *prometheus.GaugeVec
	pushOutcomes *prometheus.CounterVec
	relayUp      prometheus.Gauge
	relayAttempt prometheus.Gauge
	relayMissed  prometheus.Gauge
	sessions     *prometheus.GaugeVec
}

// New registers the collector's metrics on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Visible session state transitions.",
		}, []string{"transport", "from", "to"}),
		bandwidth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_bandwidth_kbps",
			Help:      "Inbound bandwidth of the last stats window.",
		}, sessionLabels),
		packetLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_packet_loss_percent",
			Help:      "Packet loss of the last stats window.",
		}, sessionLabels),
		freezes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_freezes_per_minute",
			Help:      "Video freezes per minute over the last stats window.",
		}, sessionLabels),
		rtt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_round_trip_ms",
			Help:      "Round trip time of the nominated candidate pair.",
		}, sessionLabels),
		pushOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_requests_total",
			Help:      "Resolved push requests by outcome.",
		}, []string{"outcome"}),
		relayUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connected",
			Help:      "1 while the relay channel is up.",
		}),
		relayAttempt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_reconnect_attempt",
			Help:      "Current relay reconnect attempt, 0 when healthy.",
		}),
		relayMissed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_missed_acks",
			Help:      "Consecutive unacknowledged heartbeats.",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions by state.",
		}, []string{"state"}),
	}

	for _, m := range []prometheus.Collector{
		c.transitions, c.bandwidth, c.packetLoss, c.freezes, c.rtt,
		c.pushOutcomes, c.relayUp, c.relayAttempt, c.relayMissed, c.sessions,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Run records orchestrator events until ctx is done or the stream closes.
func (c *Collector) Run(ctx context.Context, events <-chan orch.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe records one orchestrator event.
func (c *Collector) Observe(ev orch.Event) {
	target, transport := string(ev.Target), string(ev.Transport)
	switch ev.Kind {
	case orch.StateChanged:
		c.transitions.WithLabelValues(transport, ev.Old.String(), ev.New.String()).Inc()
		if ev.New == domain.StateClosed {
			c.bandwidth.DeleteLabelValues(target, transport)
			c.packetLoss.DeleteLabelValues(target, transport)
			c.freezes.DeleteLabelValues(target, transport)
			c.rtt.DeleteLabelValues(target, transport)
		}
	case orch.StatsSampled:
		c.bandwidth.WithLabelValues(target, transport).Set(float64(ev.Rates.BandwidthKbps))
		c.packetLoss.WithLabelValues(target, transport).Set(ev.Rates.PacketLossRatePct)
		c.freezes.WithLabelValues(target, transport).Set(ev.Rates.FreezesPerMin)
		c.rtt.WithLabelValues(target, transport).Set(ev.Rates.RoundTripTimeMs)
	}
}

// ObservePush counts one resolved push request.
func (c *Collector) ObservePush(target domain.TargetID, outcome pushbroker.Outcome) {
	c.pushOutcomes.WithLabelValues(outcome.String()).Inc()
	log.Trace().Str("module", "metrics").Str("target", string(target)).Stringer("outcome", outcome).Msg("push outcome")
}

// ObserveRelay mirrors the relay supervisor's health.
func (c *Collector) ObserveRelay(h domain.RelayHealth) {
	if h.Connected {
		c.relayUp.Set(1)
	} else {
		c.relayUp.Set(0)
	}
	c.relayAttempt.Set(float64(h.ReconnectAttempt))
	c.relayMissed.Set(float64(h.MissedAcks))
}

// ObserveSessions replaces the per-state session gauge with the given snapshots.
func (c *Collector) ObserveSessions(snaps []domain.SessionSnapshot) {
	c.sessions.Reset()
	for _, s := range snaps {
		c.sessions.WithLabelValues(s.State.String()).Inc()
	}
}
