package canbus

import (
	"log"
	"os"
	"time"

	"github.com/anodyne74/cangated/internal/bus"
	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/anodyne74/cangated/internal/state"
)

// SendReceiveTimeout is the subscriber timeout on "sendcan".
const SendReceiveTimeout = 100 * time.Millisecond

// StaleCutoff is the maximum age of a sendcan batch before it is
// dropped rather than forwarded; commands queued during a stall must
// never replay onto the bus.
const StaleCutoff = 1 * time.Second

// SendLoop subscribes to "sendcan" and fans each fresh batch out to
// every gateway in fleet order.
type SendLoop struct {
	Bus      *bus.Bus
	FakeSend bool
	Logger   *log.Logger
}

// NewSendLoop constructs a SendLoop. fakeSend mirrors the FAKESEND
// environment variable: every outbound batch is logged and dropped
// instead of forwarded.
func NewSendLoop(b *bus.Bus, fakeSend bool) *SendLoop {
	return &SendLoop{Bus: b, FakeSend: fakeSend, Logger: log.New(os.Stderr, "can-tx: ", log.LstdFlags)}
}

// Run implements fleet.Activity.
func (s *SendLoop) Run(fleet []gateway.Gateway, shared *state.Shared) {
	sub := s.Bus.Subscribe(bus.TopicSendCAN, 8)
	defer sub.Close()

	for {
		if shared.ShuttingDown() {
			return
		}

		msg, ok := sub.Receive(SendReceiveTimeout)
		if !ok {
			continue
		}
		batch, ok := msg.(bus.SendCANMsg)
		if !ok {
			continue
		}

		age := time.Since(batch.Timestamp)
		stale := age >= StaleCutoff
		// Forward only when the batch is fresh and fake_send is off;
		// fake_send drops every outbound batch, not just stale ones.
		if stale || s.FakeSend {
			if s.FakeSend {
				s.Logger.Printf("dropping sendcan batch (age %s), fake_send enabled", age)
			} else {
				s.Logger.Printf("error: dropping stale sendcan batch (age %s)", age)
			}
			continue
		}

		disconnected := false
		for _, g := range fleet {
			if err := g.CANSend(batch.Frames); err != nil {
				s.Logger.Printf("can send error on %s: %v", g.Serial(), err)
			}
			if !g.Connected() {
				disconnected = true
			}
		}
		if disconnected {
			shared.Shutdown()
			return
		}
	}
}
