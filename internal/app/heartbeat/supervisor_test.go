package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/CamSignal/internal/domain"
)

type fakeChannel struct {
	mu       sync.Mutex
	dials    int
	failDial bool
	pings    int
	drops    int
}

func (f *fakeChannel) Dial(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.failDial {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeChannel) Ping(context.Context, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeChannel) Drop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops++
	return nil
}

func (f *fakeChannel) setFailDial(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDial = v
}

func (f *fakeChannel) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

const wait, tick = time.Second, time.Millisecond

func startSupervisor(t *testing.T, ch Channel, cfg Config) (*Supervisor, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	s := NewSupervisor(ch, cfg, clk)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, clk
}

func TestMissedAcksTriggerBackoffAndReset(t *testing.T) {
	ch := &fakeChannel{}
	s, clk := startSupervisor(t, ch, Config{
		PingInterval: 25 * time.Second,
		AckTimeout:   10 * time.Second,
		MissedAcks:   2,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
	})

	var lost []error
	var mu sync.Mutex
	s.OnLost(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		lost = append(lost, err)
	})

	require.Eventually(t, func() bool { return s.Health().Connected }, wait, tick)

	clk.Add(25 * time.Second)
	require.Eventually(t, func() bool { return !s.Health().LastHeartbeatSentAt.IsZero() }, wait, tick)
	clk.Add(10 * time.Second)
	require.Eventually(t, func() bool { return s.Health().MissedAcks == 1 }, wait, tick)

	clk.Add(15 * time.Second)
	require.Eventually(t, func() bool { return ch.pingCount() == 2 && s.Health().LastHeartbeatSentAt.Equal(clk.Now()) }, wait, tick)
	clk.Add(10 * time.Second)
	require.Eventually(t, func() bool { return s.Health().BackoffMs == 1000 }, wait, tick)

	h := s.Health()
	require.False(t, h.Connected)
	require.Equal(t, 1, h.ReconnectAttempt)
	mu.Lock()
	require.Len(t, lost, 1)
	mu.Unlock()

	ch.setFailDial(true)
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return s.Health().BackoffMs == 2000 }, wait, tick)
	require.Equal(t, 2, s.Health().ReconnectAttempt)

	ch.setFailDial(false)
	clk.Add(2 * time.Second)
	require.Eventually(t, func() bool { return s.Health().Connected && ch.pingCount() == 3 }, wait, tick)
	// not reset until the new channel acknowledges
	require.Equal(t, 2, s.Health().ReconnectAttempt)

	s.Ack(clk.Now())
	require.Eventually(t, func() bool { return s.Health().ReconnectAttempt == 0 }, wait, tick)
	require.Zero(t, s.Health().BackoffMs)
}

func TestAckKeepsChannelUp(t *testing.T) {
	ch := &fakeChannel{}
	s, clk := startSupervisor(t, ch, Config{PingInterval: 25 * time.Second, AckTimeout: 10 * time.Second})
	require.Eventually(t, func() bool { return s.Health().Connected }, wait, tick)

	clk.Add(25 * time.Second)
	require.Eventually(t, func() bool { return ch.pingCount() == 1 && !s.Health().LastHeartbeatSentAt.IsZero() }, wait, tick)
	s.Ack(clk.Now())
	require.Eventually(t, func() bool { return !s.Health().LastHeartbeatAckAt.IsZero() }, wait, tick)

	clk.Add(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	h := s.Health()
	require.True(t, h.Connected)
	require.Zero(t, h.MissedAcks)
}

func TestUnreachableAfterMaxAttempts(t *testing.T) {
	ch := &fakeChannel{failDial: true}
	unreachable := make(chan error, 1)

	clk := clock.NewMock()
	s := NewSupervisor(ch, Config{BaseDelay: time.Second, MaxDelay: 4 * time.Second, MaxAttempts: 3}, clk)
	s.OnUnreachable(func(err error) { unreachable <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Health().BackoffMs == 1000 }, wait, tick)
	clk.Add(time.Second)
	require.Eventually(t, func() bool { return s.Health().BackoffMs == 2000 }, wait, tick)
	clk.Add(2 * time.Second)
	require.Eventually(t, func() bool { return s.Health().BackoffMs == 4000 }, wait, tick)
	clk.Add(4 * time.Second)

	select {
	case err := <-unreachable:
		require.ErrorIs(t, err, domain.ErrRelayUnreachable)
	case <-time.After(wait):
		t.Fatal("unreachable not reported")
	}
	require.True(t, s.Health().Unreachable)
}

func TestLostReportsOutage(t *testing.T) {
	ch := &fakeChannel{}
	s, _ := startSupervisor(t, ch, Config{})
	require.Eventually(t, func() bool { return s.Health().Connected }, wait, tick)

	s.Lost(errors.New("read: connection reset by peer"))
	require.Eventually(t, func() bool {
		h := s.Health()
		return !h.Connected && h.ReconnectAttempt == 1
	}, wait, tick)
}
