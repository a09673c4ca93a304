package health

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/anodyne74/cangated/internal/bus"
	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/anodyne74/cangated/internal/paramstore"
	"github.com/anodyne74/cangated/internal/state"
)

type fakeSensors struct{}

func (fakeSensors) VoltageVolts() float32 { return 12.5 }
func (fakeSensors) CurrentAmps() float32  { return 1.2 }

type fakeHandshake struct {
	launched chan []gateway.Gateway
	running  bool
}

func (f *fakeHandshake) Launch(fleet []gateway.Gateway) {
	f.running = true
	if f.launched != nil {
		f.launched <- fleet
	}
}
func (f *fakeHandshake) Running() bool { return f.running }

func waitForMsg(t *testing.T, sub *bus.Subscription) any {
	t.Helper()
	msg, ok := sub.Receive(time.Second)
	if !ok {
		t.Fatalf("expected a message before timeout")
	}
	return msg
}

func TestHealthLoopDerivesIgnitionAsOR(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicPandaStates, 8)
	defer sub.Close()

	off := gateway.NewSimulated("G0", gateway.HardwareInternal, 0, true, true)
	on := gateway.NewSimulated("G1", gateway.HardwareUSBBridge, 1, false, false)
	on.SetIgnition(true, false)

	shared := state.New()
	loop := NewLoop(b, nil, nil, fakeSensors{}, nil, false)

	go loop.Run([]gateway.Gateway{off, on}, shared)
	defer shared.Shutdown()

	waitForMsg(t, sub)
	if !shared.Ignition() {
		t.Errorf("expected ignition=true (OR across gateways)")
	}
}

func TestHealthLoopSpoofingForcesIgnition(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicPandaStates, 8)
	defer sub.Close()

	g := gateway.NewSimulated("G0", gateway.HardwareInternal, 0, true, true)
	shared := state.New()
	loop := NewLoop(b, nil, nil, fakeSensors{}, nil, true) // spoofing=true

	go loop.Run([]gateway.Gateway{g}, shared)
	defer shared.Shutdown()

	waitForMsg(t, sub)
	if !shared.Ignition() {
		t.Errorf("expected spoofed ignition=true")
	}
}

func TestHealthLoopCommandsNoOutputWhenOffroad(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicPandaStates, 8)
	defer sub.Close()

	g := gateway.NewSimulated("G0", gateway.HardwareInternal, 0, true, true)
	shared := state.New()
	loop := NewLoop(b, nil, nil, fakeSensors{}, nil, false)

	go loop.Run([]gateway.Gateway{g}, shared)
	defer shared.Shutdown()

	waitForMsg(t, sub)
	hs, _ := g.GetState()
	if hs.SafetyModel != gateway.SafetyNoOutput {
		t.Errorf("expected safety model no-output while offroad, got %v", hs.SafetyModel)
	}
}

func TestHealthLoopPowerSaveConvergesOffroad(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicPandaStates, 8)
	defer sub.Close()

	g := gateway.NewSimulated("G0", gateway.HardwareInternal, 0, true, true)
	shared := state.New()
	loop := NewLoop(b, nil, nil, fakeSensors{}, nil, false)

	go loop.Run([]gateway.Gateway{g}, shared)
	defer shared.Shutdown()

	waitForMsg(t, sub)
	waitForMsg(t, sub)
	hs, _ := g.GetState()
	if !hs.PowerSaveEnabled {
		t.Errorf("expected power-save to converge true while ignition and gps are both off")
	}
}

func TestHealthLoopPandaStatesValidFlagReflectsCommsHealth(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicPandaStates, 8)
	defer sub.Close()

	healthy := gateway.NewSimulated("G0", gateway.HardwareInternal, 0, true, true)
	unhealthy := gateway.NewSimulated("G1", gateway.HardwareUSBBridge, 1, false, false)

	shared := state.New()
	loop := NewLoop(b, nil, nil, fakeSensors{}, nil, false)

	go loop.Run([]gateway.Gateway{healthy, unhealthy}, shared)
	defer shared.Shutdown()

	// Flip comms-unhealthy only after the loop has likely fetched state
	// at least once cleanly, then observe the next published message.
	time.Sleep(20 * time.Millisecond)
	unhealthy.SetCommsHealthy(false)

	var msg bus.PandaStatesMsg
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		m := waitForMsg(t, sub)
		msg = m.(bus.PandaStatesMsg)
		if !msg.Valid {
			break
		}
	}
	if msg.Valid {
		t.Errorf("expected valid=false once a gateway reports unhealthy comms")
	}
}

func TestHealthLoopPublishesPeripheralStateForInternalGateway(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicPeripheralState, 8)
	defer sub.Close()

	g := gateway.NewSimulated("G0", gateway.HardwareInternal, 0, true, true)
	shared := state.New()
	loop := NewLoop(b, nil, nil, fakeSensors{}, nil, false)

	go loop.Run([]gateway.Gateway{g}, shared)
	defer shared.Shutdown()

	msg := waitForMsg(t, sub).(bus.PeripheralStateMsg)
	if msg.VoltageVolts != 12.5 || msg.CurrentAmps != 1.2 {
		t.Errorf("peripheral state = %+v, did not reflect platform sensors", msg)
	}
}

func TestHealthLoopLaunchesHandshakeOnOffroadToOnroadEdge(t *testing.T) {
	store, err := paramstore.Open(filepath.Join(t.TempDir(), "params.db"))
	if err != nil {
		t.Fatalf("open param store: %v", err)
	}
	defer store.Close()

	b := bus.New()
	sub := b.Subscribe(bus.TopicPandaStates, 8)
	defer sub.Close()

	g := gateway.NewSimulated("G0", gateway.HardwareInternal, 0, true, true)
	shared := state.New()
	hs := &fakeHandshake{launched: make(chan []gateway.Gateway, 1)}
	loop := NewLoop(b, store, nil, fakeSensors{}, hs, false)

	go loop.Run([]gateway.Gateway{g}, shared)
	defer shared.Shutdown()

	// First tick: IsOnroad is false (default); no launch expected yet.
	waitForMsg(t, sub)
	select {
	case <-hs.launched:
		t.Fatalf("handshake launched before IsOnroad went true")
	default:
	}

	if err := store.PutBool(paramstore.KeyIsOnroad, true); err != nil {
		t.Fatalf("put IsOnroad: %v", err)
	}

	select {
	case fleet := <-hs.launched:
		if len(fleet) != 1 {
			t.Errorf("handshake launched with %d gateways, want 1", len(fleet))
		}
	case <-time.After(time.Second):
		t.Fatalf("expected handshake to launch on the offroad->onroad edge")
	}
}
