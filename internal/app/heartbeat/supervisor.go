// Package heartbeat keeps the relay channel alive and redials it with
// exponential backoff when acknowledgements stop arriving.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/CamSignal/internal/domain"
)

var errAckTimeout = errors.New("heartbeat not acknowledged")

// Channel is the connection the supervisor owns.
type Channel interface {
	Dial(ctx context.Context) error
	Ping(ctx context.Context, ts time.Time) error
	// Drop closes the current connection without reporting it as lost.
	Drop() error
}

type Config struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	AckTimeout   time.Duration `mapstructure:"ack_timeout"`
	MissedAcks   int           `mapstructure:"missed_acks"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 25 * time.Second,
		AckTimeout:   10 * time.Second,
		MissedAcks:   2,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
	}
}

type Supervisor struct {
	ch    Channel
	cfg   Config
	clock clock.Clock
	bo    *backoff.ExponentialBackOff

	acks chan time.Time
	lost chan error

	mu            sync.RWMutex
	health        domain.RelayHealth
	onLost        func(error)
	onUnreachable func(error)
	onRestored    func()
}

type clockAdapter struct{ c clock.Clock }

func (a clockAdapter) Now() time.Time { return a.c.Now() }

func NewSupervisor(ch Channel, cfg Config, clk clock.Clock) *Supervisor {
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MissedAcks <= 0 {
		cfg.MissedAcks = def.MissedAcks
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if clk == nil {
		clk = clock.New()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = cfg.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Clock = clockAdapter{clk}
	bo.Reset()

	return &Supervisor{
		ch:    ch,
		cfg:   cfg,
		clock: clk,
		bo:    bo,
		acks:  make(chan time.Time, 8),
		lost:  make(chan error, 8),
	}
}

// OnLost is called once per outage, before the first redial is scheduled.
func (s *Supervisor) OnLost(fn func(error)) { s.mu.Lock(); s.onLost = fn; s.mu.Unlock() }

// OnUnreachable is called when MaxAttempts redials have failed.
func (s *Supervisor) OnUnreachable(fn func(error)) { s.mu.Lock(); s.onUnreachable = fn; s.mu.Unlock() }

// OnRestored is called when a redialed channel acknowledged its first heartbeat.
func (s *Supervisor) OnRestored(fn func()) { s.mu.Lock(); s.onRestored = fn; s.mu.Unlock() }

// Ack records a heartbeat acknowledgement. Safe from any goroutine.
func (s *Supervisor) Ack(ts time.Time) {
	select {
	case s.acks <- ts:
	default:
	}
}

// Lost reports an unclean close of the channel. Safe from any goroutine.
func (s *Supervisor) Lost(err error) {
	select {
	case s.lost <- err:
	default:
	}
}

func (s *Supervisor) Health() domain.RelayHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

func (s *Supervisor) update(fn func(h *domain.RelayHealth)) {
	s.mu.Lock()
	fn(&s.health)
	s.mu.Unlock()
}

func timerC(t *clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *clock.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// Run dials the channel and supervises it until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	var (
		ticker    *clock.Ticker
		ackTimer  *clock.Timer
		redial    *clock.Timer
		connected bool
		awaiting  bool // first ack after a redial resets the attempt counter
	)

	stopAll := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
		}
		if ackTimer != nil {
			ackTimer.Stop()
			ackTimer = nil
		}
		if redial != nil {
			redial.Stop()
			redial = nil
		}
	}
	defer func() {
		stopAll()
		_ = s.ch.Drop()
	}()

	// timers are armed before health is published
	ping := func() {
		now := s.clock.Now()
		if ackTimer != nil {
			ackTimer.Stop()
		}
		ackTimer = s.clock.Timer(s.cfg.AckTimeout)
		if err := s.ch.Ping(ctx, now); err != nil {
			log.Warn().Err(err).Str("module", "app.heartbeat").Msg("ping failed")
		}
		s.update(func(h *domain.RelayHealth) { h.LastHeartbeatSentAt = now })
	}

	scheduleRedial := func() {
		s.mu.RLock()
		attempt := s.health.ReconnectAttempt + 1
		s.mu.RUnlock()
		if attempt > s.cfg.MaxAttempts {
			s.update(func(h *domain.RelayHealth) { h.Unreachable = true; h.BackoffMs = 0 })
			log.Error().Str("module", "app.heartbeat").Int("attempts", s.cfg.MaxAttempts).Msg("relay unreachable, giving up")
			s.mu.RLock()
			cb := s.onUnreachable
			s.mu.RUnlock()
			if cb != nil {
				cb(errors.Wrapf(domain.ErrRelayUnreachable, "after %d attempts", s.cfg.MaxAttempts))
			}
			return
		}
		d := s.bo.NextBackOff()
		redial = s.clock.Timer(d)
		s.update(func(h *domain.RelayHealth) {
			h.ReconnectAttempt = attempt
			h.BackoffMs = d.Milliseconds()
		})
		log.Info().Str("module", "app.heartbeat").Int("attempt", attempt).Dur("backoff", d).Msg("redial scheduled")
	}

	goDown := func(cause error) {
		if !connected {
			return
		}
		connected, awaiting = false, false
		stopAll()
		_ = s.ch.Drop()
		s.update(func(h *domain.RelayHealth) { h.Connected = false })
		log.Warn().Err(cause).Str("module", "app.heartbeat").Msg("relay channel lost")
		s.mu.RLock()
		cb := s.onLost
		s.mu.RUnlock()
		if cb != nil {
			cb(cause)
		}
		scheduleRedial()
	}

	goUp := func(first bool) {
		connected, awaiting = true, !first
		ticker = s.clock.Ticker(s.cfg.PingInterval)
		if !first {
			ping()
		}
		s.update(func(h *domain.RelayHealth) {
			h.Connected = true
			h.Unreachable = false
			h.MissedAcks = 0
		})
	}

	if err := s.ch.Dial(ctx); err != nil {
		log.Warn().Err(err).Str("module", "app.heartbeat").Msg("initial dial failed")
		scheduleRedial()
	} else {
		goUp(true)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-tickerC(ticker):
			ping()

		case <-timerC(ackTimer):
			ackTimer = nil
			var missed int
			s.update(func(h *domain.RelayHealth) { h.MissedAcks++; missed = h.MissedAcks })
			log.Debug().Str("module", "app.heartbeat").Int("missed", missed).Msg("heartbeat ack missed")
			if missed >= s.cfg.MissedAcks {
				goDown(errors.Wrapf(errAckTimeout, "%d consecutive", missed))
			}

		case ts := <-s.acks:
			if !connected {
				continue
			}
			if ackTimer != nil {
				ackTimer.Stop()
				ackTimer = nil
			}
			now := s.clock.Now()
			s.update(func(h *domain.RelayHealth) {
				h.LastHeartbeatAckAt = now
				h.MissedAcks = 0
			})
			log.Trace().Str("module", "app.heartbeat").Dur("rtt", now.Sub(ts)).Msg("heartbeat ack")
			if awaiting {
				awaiting = false
				s.bo.Reset()
				s.update(func(h *domain.RelayHealth) {
					h.ReconnectAttempt = 0
					h.BackoffMs = 0
				})
				log.Info().Str("module", "app.heartbeat").Msg("relay channel restored")
				s.mu.RLock()
				cb := s.onRestored
				s.mu.RUnlock()
				if cb != nil {
					cb()
				}
			}

		case err := <-s.lost:
			goDown(err)

		case <-timerC(redial):
			redial = nil
			if err := s.ch.Dial(ctx); err != nil {
				log.Warn().Err(err).Str("module", "app.heartbeat").Msg("redial failed")
				scheduleRedial()
				continue
			}
			goUp(false)
		}
	}
}
