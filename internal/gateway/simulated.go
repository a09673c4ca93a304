package gateway

import (
	"sync"
	"time"
)

// Simulated is an in-memory Gateway used by tests and by
// cmd/cangate-replay, so the daemon's loops are exercisable without
// real hardware.
type Simulated struct {
	mu sync.Mutex

	serialNum string
	hwType    HardwareType
	position  int
	busBase   int
	hasRTC    bool
	hasGPS    bool

	connected     bool
	commsHealthy  bool
	health        Health
	buses         [BusesPerGateway]CANHealth
	rtc           time.Time

	inbox  []Frame // frames queued to be "received" by CANReceive
	outbox []Frame // frames sent via CANSend, for test assertions

	fanRPM   int
	irPower  float64
	loopback bool
	usbPower USBPowerMode
}

// NewSimulated constructs a connected, healthy simulated gateway at
// the given fleet position.
func NewSimulated(serialNum string, hwType HardwareType, position int, hasRTC, hasGPS bool) *Simulated {
	return &Simulated{
		serialNum:    serialNum,
		hwType:       hwType,
		position:     position,
		busBase:      base(position),
		hasRTC:       hasRTC,
		hasGPS:       hasGPS,
		connected:    true,
		commsHealthy: true,
		rtc:          time.Now(),
		health:       Health{SafetyModel: SafetySilent},
	}
}

func (g *Simulated) Serial() string            { return g.serialNum }
func (g *Simulated) HardwareType() HardwareType { return g.hwType }
func (g *Simulated) Position() int              { return g.position }
func (g *Simulated) BaseBus() int               { return g.busBase }
func (g *Simulated) HasRTC() bool               { return g.hasRTC }
func (g *Simulated) HasGPS() bool               { return g.hasGPS }

func (g *Simulated) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *Simulated) CommsHealthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commsHealthy
}

// --- test control surface --------------------------------------------

// SetIgnition sets the simulated ignition-line and ignition-CAN bits.
func (g *Simulated) SetIgnition(line, can bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.health.IgnitionLine = line
	g.health.IgnitionCAN = can
}

// Disconnect marks the gateway as dropped, as if a USB error occurred.
func (g *Simulated) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	g.commsHealthy = false
}

// SetCommsHealthy toggles the health flag reported by CommsHealthy and
// CANReceive, without fully disconnecting the device. State fetches
// keep succeeding; only Disconnect makes them fail.
func (g *Simulated) SetCommsHealthy(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commsHealthy = v
}

// QueueReceive enqueues frames to be returned by the next CANReceive
// call(s).
func (g *Simulated) QueueReceive(frames ...Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inbox = append(g.inbox, frames...)
}

// Sent returns (and clears) the frames handed to CANSend so far.
func (g *Simulated) Sent() []Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.outbox
	g.outbox = nil
	return out
}

// RTC returns the simulated gateway-side clock for assertions.
func (g *Simulated) RTC() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rtc
}

// SetRTCValue force-sets the simulated gateway clock, bypassing the
// normal SetRTC write path -- used to seed drift scenarios.
func (g *Simulated) SetRTCValue(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rtc = t
}

// --- Gateway interface -------------------------------------------------

func (g *Simulated) GetState() (Health, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return Health{}, false
	}
	return g.health, true
}

func (g *Simulated) GetCANState(busIndex int) (CANHealth, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if busIndex < 0 || busIndex >= len(g.buses) || !g.connected {
		return CANHealth{}, false
	}
	return g.buses[busIndex], true
}

func (g *Simulated) CANSend(frames []Frame) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outbox = append(g.outbox, frames...)
	for _, f := range frames {
		bus := int(f.SourceBus) - g.busBase
		if bus >= 0 && bus < len(g.buses) {
			g.buses[bus].TotalTx++
		}
	}
	return nil
}

func (g *Simulated) CANReceive(buf []Frame) ([]Frame, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return buf, false
	}
	buf = append(buf, g.inbox...)
	for _, f := range g.inbox {
		bus := int(f.SourceBus) - g.busBase
		if bus >= 0 && bus < len(g.buses) {
			g.buses[bus].TotalRx++
		}
	}
	g.inbox = nil
	return buf, g.commsHealthy
}

func (g *Simulated) SetSafetyModel(model SafetyModel, param int16) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.health.SafetyModel = model
	g.health.SafetyParam = param
	return nil
}

func (g *Simulated) SetAlternativeExperience(mask uint16) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.health.AlternativeExperience = mask
	return nil
}

func (g *Simulated) SetPowerSaving(enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.health.PowerSaveEnabled = enabled
	return nil
}

func (g *Simulated) SetFanSpeed(percent int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fanRPM = percent * 50
	return nil
}

func (g *Simulated) GetFanSpeedRPM() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fanRPM, nil
}

func (g *Simulated) SetIRPower(percent float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.irPower = percent
	return nil
}

// IRPower returns the last commanded IR power level, for assertions.
func (g *Simulated) IRPower() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.irPower
}

func (g *Simulated) SetLoopback(enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loopback = enabled
	return nil
}

// Loopback reports the simulated gateway's current loopback setting.
func (g *Simulated) Loopback() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loopback
}

func (g *Simulated) GetRTC() (RTCSkew, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	return RTCSkew{Host: now, Gateway: g.rtc, Delta: now.Sub(g.rtc)}, nil
}

func (g *Simulated) SetRTC(t RTCSkew) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rtc = t.Host
	return nil
}

func (g *Simulated) SendHeartbeat(engaged bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.health.HeartbeatLost = false
	return nil
}

func (g *Simulated) SetUSBPowerMode(mode USBPowerMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usbPower = mode
	return nil
}

// USBPower returns the last commanded USB power mode, for assertions.
func (g *Simulated) USBPower() USBPowerMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usbPower
}

func (g *Simulated) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	return nil
}

// SimulatedEnumerator yields a fixed, in-memory fleet descriptor list
// instead of probing real hardware, used when the daemon runs with the
// simulated fleet configuration and by tests.
type SimulatedEnumerator struct {
	Descriptors []Descriptor
}

// NewSimulatedEnumerator builds a one-internal-plus-one-bridge fleet,
// the minimal configuration the Health Loop's derived rules exercise.
func NewSimulatedEnumerator() *SimulatedEnumerator {
	return &SimulatedEnumerator{
		Descriptors: []Descriptor{
			{Serial: "SIM-INTERNAL", HwType: HardwareInternal, HasRTC: true, HasGPS: true, Transport: "simulated"},
			{Serial: "SIM-BRIDGE-1", HwType: HardwareUSBBridge, HasRTC: true, HasGPS: false, Transport: "simulated"},
		},
	}
}

func (e *SimulatedEnumerator) Enumerate(includeDisconnected bool) ([]Descriptor, error) {
	out := make([]Descriptor, len(e.Descriptors))
	copy(out, e.Descriptors)
	return out, nil
}
