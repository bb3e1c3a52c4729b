package rtc

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func feedFrames(d *FreezeDetector, start time.Time, n int, interval time.Duration) time.Time {
	at := start
	for i := 0; i < n; i++ {
		d.Observe(at.Add(-time.Millisecond), false)
		d.Observe(at, true)
		at = at.Add(interval)
	}
	return at.Add(-interval)
}

func TestFreezeDetectorSteadyStream(t *testing.T) {
	var d FreezeDetector
	feedFrames(&d, time.Unix(0, 0), 100, 33*time.Millisecond)
	require.Zero(t, d.Count())
}

func TestFreezeDetectorCountsLongGap(t *testing.T) {
	var d FreezeDetector
	last := feedFrames(&d, time.Unix(0, 0), 30, 33*time.Millisecond)

	// 3 × 33 ms is below avg+150 ms, so 150 ms is not enough
	require.False(t, d.Observe(last.Add(150*time.Millisecond), true))
	last = last.Add(150 * time.Millisecond)

	require.True(t, d.Observe(last.Add(time.Second), true))
	require.EqualValues(t, 1, d.Count())
}

func TestFreezeDetectorNeedsHistory(t *testing.T) {
	var d FreezeDetector
	at := time.Unix(0, 0)
	require.False(t, d.Observe(at, true))
	require.False(t, d.Observe(at.Add(5*time.Second), true))
	require.Zero(t, d.Count())
}

func TestFreezeDetectorIgnoresNonMarker(t *testing.T) {
	var d FreezeDetector
	last := feedFrames(&d, time.Unix(0, 0), 10, 33*time.Millisecond)
	require.False(t, d.Observe(last.Add(10*time.Second), false))
	require.Zero(t, d.Count())
}

func TestFreezeDetectorPackets(t *testing.T) {
	var d FreezeDetector
	last := feedFrames(&d, time.Unix(0, 0), 10, 33*time.Millisecond)

	padding := &rtp.Packet{Header: rtp.Header{Marker: true}}
	require.False(t, d.ObservePacket(last.Add(5*time.Second), padding))
	require.False(t, d.ObservePacket(last.Add(5*time.Second), nil))

	frame := &rtp.Packet{Header: rtp.Header{Marker: true}, Payload: []byte{0x01}}
	require.True(t, d.ObservePacket(last.Add(5*time.Second), frame))
	require.EqualValues(t, 1, d.Count())
}
