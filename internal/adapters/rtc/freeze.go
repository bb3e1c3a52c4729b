package rtc

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

const (
	freezeMinExtra = 150 * time.Millisecond
	// weight of the newest interval in the running average
	freezeAlpha = 0.1
)

// FreezeDetector counts video freezes from frame arrival times.
// A frame ends with an RTP marker bit; a gap between two frames counts as a
// freeze when it exceeds max(3 × average interval, average + 150 ms).
type FreezeDetector struct {
	mu        sync.Mutex
	lastFrame time.Time
	avg       time.Duration
	frames    int
	freezes   uint64
}

// Observe records one packet; it reports whether that packet ended a freeze.
func (d *FreezeDetector) Observe(at time.Time, marker bool) bool {
	if !marker {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastFrame.IsZero() {
		d.lastFrame = at
		return false
	}
	gap := at.Sub(d.lastFrame)
	d.lastFrame = at
	if gap <= 0 {
		return false
	}

	frozen := false
	// a few frames are needed before the average means anything
	if d.frames >= 3 {
		limit := max(3*d.avg, d.avg+freezeMinExtra)
		if gap > limit {
			d.freezes++
			frozen = true
		}
	}
	if !frozen {
		if d.frames == 0 {
			d.avg = gap
		} else {
			d.avg = time.Duration(float64(d.avg)*(1-freezeAlpha) + float64(gap)*freezeAlpha)
		}
		d.frames++
	}
	return frozen
}

// ObservePacket feeds an RTP packet. Padding-only packets never end a frame.
func (d *FreezeDetector) ObservePacket(at time.Time, pkt *rtp.Packet) bool {
	if pkt == nil || len(pkt.Payload) == 0 {
		return false
	}
	return d.Observe(at, pkt.Marker)
}

func (d *FreezeDetector) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freezes
}
