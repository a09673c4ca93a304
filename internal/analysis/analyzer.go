package analysis

import (
	"time"

	"github.com/anodyne74/cangated/internal/capture"
	"github.com/anodyne74/cangated/internal/gateway"
)

// BusSpeedKbps is the nominal bus speed used for bus-load percentage.
// Analyze applies it to every bus; the per-bus speed reported by
// gateway.CANHealth is not consulted.
const BusSpeedKbps = 500

// Analyzer computes a Report from a loaded capture session.
type Analyzer struct {
	Batches []capture.Batch
}

// NewAnalyzer constructs an Analyzer over a previously loaded session.
func NewAnalyzer(batches []capture.Batch) *Analyzer {
	return &Analyzer{Batches: batches}
}

// Analyze computes the full Report.
func (a *Analyzer) Analyze() *Report {
	r := &Report{
		IDCounts:   make(map[uint32]int),
		BusLoadPct: make(map[uint8]float64),
	}
	if len(a.Batches) == 0 {
		return r
	}

	r.StartTime = a.Batches[0].Timestamp
	r.EndTime = a.Batches[len(a.Batches)-1].Timestamp
	r.Duration = r.EndTime.Sub(r.StartTime)
	r.TotalBatches = len(a.Batches)

	bitsPerBus := make(map[uint8]int)
	var interArrival []float64
	var lastTS time.Time

	for _, b := range a.Batches {
		r.TotalFrames += len(b.Frames)
		for _, f := range b.Frames {
			r.IDCounts[f.Address]++
			bitsPerBus[f.SourceBus] += standardFrameBits(f)
		}
		if !lastTS.IsZero() {
			dt := b.Timestamp.Sub(lastTS).Seconds()
			if dt > 0 {
				interArrival = append(interArrival, 1/dt)
			}
		}
		lastTS = b.Timestamp
	}

	r.UniqueIDs = len(r.IDCounts)
	r.FrameRateHz = CalculateStats(interArrival)

	seconds := r.Duration.Seconds()
	if seconds > 0 {
		for busIdx, bits := range bitsPerBus {
			bps := float64(bits) / seconds
			r.BusLoadPct[busIdx] = bps / (BusSpeedKbps * 1000) * 100
		}
	}

	return r
}

// standardFrameBits approximates on-wire size for a standard-format
// CAN frame: overhead plus payload bytes, no payload parsing.
func standardFrameBits(f gateway.Frame) int {
	return 108 + len(f.Data)*8
}

// DetectFaultEvents derives fault-state transitions from a sequence of
// fleet health snapshots captured alongside a session (not from the
// raw CAN batches themselves, since fault state lives in gateway
// health, not frame payloads).
func DetectFaultEvents(history []FleetHealthSample) []FaultEvent {
	var events []FaultEvent
	last := make(map[string]bool)

	for _, sample := range history {
		for _, entry := range sample.Entries {
			faulted := entry.Health.FaultStatus != gateway.FaultStatusNone
			// An unseen serial counts as not faulted, so a gateway first
			// seen healthy produces no event.
			if last[entry.Serial] != faulted {
				events = append(events, FaultEvent{
					Serial:    entry.Serial,
					Timestamp: sample.Timestamp,
					Entered:   faulted,
				})
			}
			last[entry.Serial] = faulted
		}
	}
	return events
}

// FleetHealthSample is one PandaStatesMsg-shaped snapshot, decoupled
// from the bus package to avoid an import cycle (analysis is consumed
// by the companion CLI tools, not the live daemon).
type FleetHealthSample struct {
	Timestamp time.Time
	Entries   []FleetHealthEntry
}

// FleetHealthEntry mirrors bus.GatewayHealthEntry's fields this
// package needs.
type FleetHealthEntry struct {
	Serial string
	Health gateway.Health
}
