package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/CamSignal/internal/domain"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestDeriveSameSnapshotIsZero(t *testing.T) {
	s := domain.CounterSnapshot{At: t0, BytesReceived: 5000, PacketsReceived: 40, PacketsLost: 2, NACKCount: 3}
	require.Equal(t, domain.QualityRates{}, Derive(&s, s))
}

func TestDeriveWithoutPrevIsZero(t *testing.T) {
	s := domain.CounterSnapshot{At: t0, BytesReceived: 5000, RoundTripTime: 0.04}
	require.Equal(t, domain.QualityRates{}, Derive(nil, s))
}

func TestDeriveBandwidth(t *testing.T) {
	prev := domain.CounterSnapshot{At: t0, BytesReceived: 1000}
	cur := domain.CounterSnapshot{At: t0.Add(time.Second), BytesReceived: 9000}
	require.EqualValues(t, 64, Derive(&prev, cur).BandwidthKbps)
}

func TestDeriveRates(t *testing.T) {
	prev := domain.CounterSnapshot{At: t0, PacketsReceived: 100, PacketsLost: 0, FreezeCount: 1, PLICount: 2, NACKCount: 10}
	cur := domain.CounterSnapshot{
		At:              t0.Add(2 * time.Second),
		PacketsReceived: 397,
		PacketsLost:     3,
		FreezeCount:     2,
		PLICount:        3,
		NACKCount:       17,
		RoundTripTime:   0.025,
		Jitter:          0.004,
	}

	r := Derive(&prev, cur)
	require.Equal(t, 1.0, r.PacketLossRatePct)
	require.Equal(t, 30.0, r.FreezesPerMin)
	require.Equal(t, 30.0, r.PLIPerMin)
	require.Equal(t, 210.0, r.NACKPerMin)
	require.InDelta(t, 25.0, r.RoundTripTimeMs, 1e-9)
	require.InDelta(t, 4.0, r.JitterMs, 1e-9)
}

func TestDeriveTruncatesLoss(t *testing.T) {
	prev := domain.CounterSnapshot{At: t0}
	cur := domain.CounterSnapshot{At: t0.Add(time.Second), PacketsReceived: 2, PacketsLost: 1}
	require.Equal(t, 33.33, Derive(&prev, cur).PacketLossRatePct)
}

func TestDeriveClampsNegativeDeltas(t *testing.T) {
	prev := domain.CounterSnapshot{At: t0, BytesReceived: 9000, PacketsReceived: 100, PacketsLost: 7, NACKCount: 40}
	cur := domain.CounterSnapshot{At: t0.Add(time.Second), BytesReceived: 10, PacketsReceived: 5, PacketsLost: 1, NACKCount: 2}

	r := Derive(&prev, cur)
	require.Zero(t, r.BandwidthKbps)
	require.Zero(t, r.PacketLossRatePct)
	require.Zero(t, r.NACKPerMin)
}

func TestDeriveNonPositiveElapsed(t *testing.T) {
	prev := domain.CounterSnapshot{At: t0.Add(time.Second), BytesReceived: 0}
	cur := domain.CounterSnapshot{At: t0, BytesReceived: 100000}
	require.Equal(t, domain.QualityRates{}, Derive(&prev, cur))
}

func TestGrade(t *testing.T) {
	th := DefaultThresholds()
	require.Equal(t, domain.GradeGood, th.Grade(domain.QualityRates{}))
	require.Equal(t, domain.GradeGood, th.Grade(domain.QualityRates{PacketLossRatePct: 0.9, NACKPerMin: 0.5}))
	require.Equal(t, domain.GradeWarning, th.Grade(domain.QualityRates{PacketLossRatePct: 1.5}))
	require.Equal(t, domain.GradeWarning, th.Grade(domain.QualityRates{NACKPerMin: 4}))
	require.Equal(t, domain.GradeError, th.Grade(domain.QualityRates{PacketLossRatePct: 2}))
	require.Equal(t, domain.GradeError, th.Grade(domain.QualityRates{PLIPerMin: 1, FreezesPerMin: 3}))
	require.Equal(t, domain.GradeError, th.Grade(domain.QualityRates{NACKPerMin: 5}))
}
