package quality

import "github.com/dkeye/CamSignal/internal/domain"

// Limit is a warning/error pair. A value at or above Error grades as error.
type Limit struct {
	Warning float64 `mapstructure:"warning"`
	Error   float64 `mapstructure:"error"`
}

type Thresholds struct {
	PacketLossPct Limit `mapstructure:"packet_loss_pct"`
	FreezesPerMin Limit `mapstructure:"freezes_per_min"`
	PLIPerMin     Limit `mapstructure:"pli_per_min"`
	NACKPerMin    Limit `mapstructure:"nack_per_min"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		PacketLossPct: Limit{Warning: 1, Error: 2},
		FreezesPerMin: Limit{Warning: 1, Error: 3},
		PLIPerMin:     Limit{Warning: 1, Error: 3},
		NACKPerMin:    Limit{Warning: 1, Error: 5},
	}
}

// Grade returns the worst grade across all thresholded rates.
func (t Thresholds) Grade(r domain.QualityRates) domain.Grade {
	worst := domain.GradeGood
	for _, c := range []struct {
		v float64
		l Limit
	}{
		{r.PacketLossRatePct, t.PacketLossPct},
		{r.FreezesPerMin, t.FreezesPerMin},
		{r.PLIPerMin, t.PLIPerMin},
		{r.NACKPerMin, t.NACKPerMin},
	} {
		switch {
		case c.l.Error > 0 && c.v >= c.l.Error:
			return domain.GradeError
		case c.l.Warning > 0 && c.v >= c.l.Warning:
			worst = domain.GradeWarning
		}
	}
	return worst
}
