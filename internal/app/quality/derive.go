// Package quality turns cumulative media counters into per-window rates.
package quality

import (
	"math"

	"github.com/dkeye/CamSignal/internal/domain"
)

// Derive computes rates for the window between prev and cur.
// All rates are zero when prev is nil or the window is empty.
func Derive(prev *domain.CounterSnapshot, cur domain.CounterSnapshot) domain.QualityRates {
	if prev == nil {
		return domain.QualityRates{}
	}
	elapsed := cur.At.Sub(prev.At).Seconds()
	if elapsed <= 0 {
		return domain.QualityRates{}
	}

	bytes := deltaU(cur.BytesReceived, prev.BytesReceived)
	recv := deltaU(cur.PacketsReceived, prev.PacketsReceived)
	lost := deltaI(cur.PacketsLost, prev.PacketsLost)

	rates := domain.QualityRates{
		BandwidthKbps:   int64(math.Floor(bytes * 8 / elapsed / 1000)),
		FreezesPerMin:   perMinute(deltaU(cur.FreezeCount, prev.FreezeCount), elapsed),
		PLIPerMin:       perMinute(deltaU(cur.PLICount, prev.PLICount), elapsed),
		NACKPerMin:      perMinute(deltaU(cur.NACKCount, prev.NACKCount), elapsed),
		RoundTripTimeMs: cur.RoundTripTime * 1000,
		JitterMs:        cur.Jitter * 1000,
	}
	if total := recv + lost; total > 0 {
		rates.PacketLossRatePct = math.Floor(lost/total*10000) / 100
	}
	return rates
}

func perMinute(delta, elapsed float64) float64 {
	return math.Floor(delta/elapsed*60*100) / 100
}

// counter resets (renegotiation, SSRC change) show up as negative deltas
func deltaU(cur, prev uint64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}

func deltaI(cur, prev int64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}
