// Package canbus implements the bidirectional CAN pipe: the 100 Hz
// Receive Loop and the event-driven Send Loop. The Receive Loop keeps
// a strict fixed cadence by tracking an absolute next-frame deadline
// rather than sleeping a fixed interval, so scheduling jitter does not
// accumulate.
package canbus

import (
	"log"
	"os"
	"time"

	"github.com/anodyne74/cangated/internal/bus"
	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/anodyne74/cangated/internal/state"
)

// ReceivePeriod is the strict Receive Loop cadence.
const ReceivePeriod = 10 * time.Millisecond

// ReceiveLoop drains every gateway at 100 Hz and fans the result into
// a single "can" bus message.
type ReceiveLoop struct {
	Bus    *bus.Bus
	Logger *log.Logger
}

// NewReceiveLoop constructs a ReceiveLoop publishing onto b.
func NewReceiveLoop(b *bus.Bus) *ReceiveLoop {
	return &ReceiveLoop{Bus: b, Logger: log.New(os.Stderr, "can-rx: ", log.LstdFlags)}
}

// Run implements fleet.Activity.
func (r *ReceiveLoop) Run(fleet []gateway.Gateway, shared *state.Shared) {
	nextFrameTime := time.Now().Add(ReceivePeriod)

	for {
		if shared.ShuttingDown() {
			return
		}

		var frames []gateway.Frame
		commsHealthy := true
		disconnected := false

		for _, g := range fleet {
			var ok bool
			frames, ok = g.CANReceive(frames)
			commsHealthy = commsHealthy && ok
			if !g.Connected() {
				disconnected = true
			}
		}

		r.Bus.Publish(bus.TopicCAN, bus.CANMsg{
			Valid:     commsHealthy,
			Frames:    frames,
			Timestamp: time.Now(),
		})

		if disconnected {
			shared.Shutdown()
			return
		}

		now := time.Now()
		remaining := nextFrameTime.Sub(now)
		if remaining > 0 {
			time.Sleep(remaining)
		} else if shared.Ignition() {
			r.Logger.Printf("missed cycle by %s", -remaining)
			nextFrameTime = now
		} else {
			nextFrameTime = now
		}

		nextFrameTime = nextFrameTime.Add(ReceivePeriod)
	}
}
