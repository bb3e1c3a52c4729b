package domain

import "time"

// CounterSnapshot holds cumulative inbound counters read from the media engine.
type CounterSnapshot struct {
	At              time.Time
	BytesReceived   uint64
	PacketsReceived uint64
	PacketsLost     int64
	FreezeCount     uint64
	PLICount        uint64
	NACKCount       uint64
	RoundTripTime   float64 // seconds
	Jitter          float64 // seconds
}

// QualityRates are per-window values derived from two snapshots.
type QualityRates struct {
	BandwidthKbps     int64   `json:"bandwidthKbps"`
	PacketLossRatePct float64 `json:"packetLossRatePct"`
	FreezesPerMin     float64 `json:"freezesPerMin"`
	PLIPerMin         float64 `json:"pliPerMin"`
	NACKPerMin        float64 `json:"nackPerMin"`
	RoundTripTimeMs   float64 `json:"roundTripTimeMs"`
	JitterMs          float64 `json:"jitterMs"`
}

type Grade string

const (
	GradeUnknown Grade = ""
	GradeGood    Grade = "good"
	GradeWarning Grade = "warning"
	GradeError   Grade = "error"
)
