// Package health implements the Health Loop: the 2 Hz activity that
// polls every gateway, publishes fleet health, derives the global
// ignition flag, arbitrates power-save and idle-output safety modes,
// and launches the Safety Handshake on the offroad->onroad edge. Each
// tick budgets 500 ms wall-clock: the sleep at the end is the budget
// minus however long the poll and publish steps took.
package health

import (
	"log"
	"os"
	"time"

	"github.com/anodyne74/cangated/internal/bus"
	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/anodyne74/cangated/internal/paramstore"
	"github.com/anodyne74/cangated/internal/state"
)

// Period is the Health Loop's target tick interval.
const Period = 500 * time.Millisecond

// PlatformSensors reads the host-side voltage/current sensors used for
// the internal gateway's peripheralState publication; the gateway
// itself only supplies fan RPM.
type PlatformSensors interface {
	VoltageVolts() float32
	CurrentAmps() float32
}

// HandshakeLauncher is the Safety Handshake task, as seen by the
// Health Loop: launch it non-blockingly on the offroad->onroad edge,
// and never launch a second instance while one is running.
type HandshakeLauncher interface {
	Launch(fleet []gateway.Gateway)
	Running() bool
}

// Loop is the Health Loop activity.
type Loop struct {
	Bus        *bus.Bus
	Params     *paramstore.Store
	Enumerator gateway.Enumerator
	Sensors    PlatformSensors
	Handshake  HandshakeLauncher
	Spoofing   bool // mirrors the STARTED env var: ignition forced high
	Logger     *log.Logger

	lastOnroad bool
}

// NewLoop constructs a Health Loop.
func NewLoop(b *bus.Bus, params *paramstore.Store, enumerator gateway.Enumerator, sensors PlatformSensors, handshake HandshakeLauncher, spoofing bool) *Loop {
	return &Loop{
		Bus:        b,
		Params:     params,
		Enumerator: enumerator,
		Sensors:    sensors,
		Handshake:  handshake,
		Spoofing:   spoofing,
		Logger:     log.New(os.Stderr, "health: ", log.LstdFlags),
	}
}

// Run implements fleet.Activity.
func (l *Loop) Run(fleet []gateway.Gateway, shared *state.Shared) {
	controlsSub := l.Bus.Subscribe(bus.TopicControlsState, 4)
	defer controlsSub.Close()

	for {
		if shared.ShuttingDown() {
			return
		}
		tickStart := time.Now()

		l.publishPeripheralState(fleet)

		healths, buses, allFetched := l.fetchAll(fleet)
		if allFetched {
			l.applyDerivedRules(fleet, healths, shared)
			l.publishPandaStates(fleet, healths, buses)

			if !shared.Ignition() {
				l.checkReconnectPolicy(fleet, healths, shared)
			}

			l.maybeLaunchHandshake(fleet)
		}

		l.sendHeartbeats(fleet, controlsSub)

		elapsed := time.Since(tickStart)
		if remaining := Period - elapsed; remaining > 0 {
			time.Sleep(remaining)
		}
	}
}

func internalGateway(fleet []gateway.Gateway) gateway.Gateway {
	for _, g := range fleet {
		if g.HardwareType() == gateway.HardwareInternal {
			return g
		}
	}
	// No internal gateway present: fall back to position 0, which is
	// the most senior device in the fleet ordering.
	if len(fleet) > 0 {
		return fleet[0]
	}
	return nil
}

func (l *Loop) publishPeripheralState(fleet []gateway.Gateway) {
	g := internalGateway(fleet)
	if g == nil || l.Sensors == nil {
		return
	}
	fanRPM, _ := g.GetFanSpeedRPM()
	l.Bus.Publish(bus.TopicPeripheralState, bus.PeripheralStateMsg{
		VoltageVolts: l.Sensors.VoltageVolts(),
		CurrentAmps:  l.Sensors.CurrentAmps(),
		FanRPM:       fanRPM,
		HardwareType: g.HardwareType(),
		Timestamp:    time.Now(),
	})
}

func (l *Loop) fetchAll(fleet []gateway.Gateway) (healths []gateway.Health, buses [][]gateway.CANHealth, ok bool) {
	healths = make([]gateway.Health, len(fleet))
	buses = make([][]gateway.CANHealth, len(fleet))
	for i, g := range fleet {
		h, fetched := g.GetState()
		if !fetched {
			return nil, nil, false
		}
		healths[i] = h

		gwBuses := make([]gateway.CANHealth, gateway.BusesPerGateway)
		for b := 0; b < gateway.BusesPerGateway; b++ {
			ch, fok := g.GetCANState(b)
			if !fok {
				return nil, nil, false
			}
			gwBuses[b] = ch
		}
		buses[i] = gwBuses
	}
	return healths, buses, true
}

func (l *Loop) applyDerivedRules(fleet []gateway.Gateway, healths []gateway.Health, shared *state.Shared) {
	ignition := false
	for i := range healths {
		if l.Spoofing {
			healths[i].IgnitionLine = true
		}
		if healths[i].Ignited() {
			ignition = true
		}
	}
	shared.SetIgnition(ignition)

	powerSaveWanted := !ignition && !shared.GPSActive()

	for i, g := range fleet {
		h := healths[i]

		if h.SafetyModel == gateway.SafetySilent {
			if err := g.SetSafetyModel(gateway.SafetyNoOutput, 0); err == nil {
				healths[i].SafetyModel = gateway.SafetyNoOutput
			}
		}

		if h.PowerSaveEnabled != powerSaveWanted {
			_ = g.SetPowerSaving(powerSaveWanted)
		}

		if !ignition && healths[i].SafetyModel != gateway.SafetyNoOutput {
			if err := g.SetSafetyModel(gateway.SafetyNoOutput, 0); err == nil {
				healths[i].SafetyModel = gateway.SafetyNoOutput
			}
		}
	}
}

func (l *Loop) publishPandaStates(fleet []gateway.Gateway, healths []gateway.Health, buses [][]gateway.CANHealth) {
	entries := make([]bus.GatewayHealthEntry, len(fleet))
	valid := true
	for i, g := range fleet {
		entries[i] = bus.GatewayHealthEntry{Serial: g.Serial(), Health: healths[i], Buses: buses[i]}
		if !g.CommsHealthy() {
			valid = false
		}
	}
	l.Bus.Publish(bus.TopicPandaStates, bus.PandaStatesMsg{
		Valid:     valid,
		Gateways:  entries,
		Timestamp: time.Now(),
	})
}

func (l *Loop) checkReconnectPolicy(fleet []gateway.Gateway, healths []gateway.Health, shared *state.Shared) {
	for _, g := range fleet {
		if !g.CommsHealthy() {
			shared.Shutdown()
			return
		}
	}

	if l.Enumerator == nil {
		return
	}
	present, err := l.Enumerator.Enumerate(false)
	if err != nil {
		return
	}
	known := make(map[string]bool, len(fleet))
	for _, g := range fleet {
		known[g.Serial()] = true
	}
	for _, d := range present {
		if !known[d.Serial] {
			l.Logger.Printf("new gateway %s detected offroad, restarting", d.Serial)
			shared.Shutdown()
			return
		}
	}
}

func (l *Loop) maybeLaunchHandshake(fleet []gateway.Gateway) {
	if l.Params == nil || l.Handshake == nil {
		return
	}
	onroad, err := l.Params.GetBool(paramstore.KeyIsOnroad)
	if err != nil {
		return
	}
	if onroad && !l.lastOnroad && !l.Handshake.Running() {
		l.Handshake.Launch(fleet)
	}
	l.lastOnroad = onroad
}

func (l *Loop) sendHeartbeats(fleet []gateway.Gateway, controlsSub *bus.Subscription) {
	engaged := false
	if msg, ok := controlsSub.Receive(0); ok {
		if cs, ok := msg.(bus.ControlsStateMsg); ok {
			engaged = cs.Engaged
		}
	}
	for _, g := range fleet {
		_ = g.SendHeartbeat(engaged)
	}
}
