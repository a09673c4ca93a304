package gateway

import (
	"sync"

	"github.com/go-daq/canbus"
	"github.com/pkg/errors"
)

// socketCANGateway is the native-interface transport variant, for a
// gateway wired directly onto a SocketCAN interface (e.g. "can0")
// rather than presenting as USB-serial.
type socketCANGateway struct {
	mu   sync.Mutex
	sock *canbus.Socket

	serialNum string
	hwType    HardwareType
	position  int
	busBase   int
	hasRTC    bool
	hasGPS    bool
	connected flag

	health Health
	buses  []CANHealth

	inbox []Frame
}

// OpenSocketCAN opens a gateway reachable over a native CAN interface
// such as "can0", assigning it the given fleet position. Unlike the
// USB-serial variant it has no separate control channel: health is
// maintained locally from observed traffic and commanded state, and a
// background reader drains the socket so CANReceive never blocks the
// receive cadence.
func OpenSocketCAN(ifname, serialNum string, hwType HardwareType, position int, hasRTC, hasGPS bool) (Gateway, error) {
	sock, err := canbus.New()
	if err != nil {
		return nil, errors.Wrapf(err, "create socketcan socket for %s", serialNum)
	}
	if err := sock.Bind(ifname); err != nil {
		sock.Close()
		return nil, errors.Wrapf(err, "bind socketcan interface %s", ifname)
	}

	g := &socketCANGateway{
		sock:      sock,
		serialNum: serialNum,
		hwType:    hwType,
		position:  position,
		busBase:   base(position),
		hasRTC:    hasRTC,
		hasGPS:    hasGPS,
		buses:     make([]CANHealth, BusesPerGateway),
	}
	g.connected.set(true)
	go g.readLoop()
	return g, nil
}

// readLoop blocks on the socket and queues arrived frames for the next
// CANReceive call. Recv only fails once the socket is closed or the
// interface goes away, at which point the gateway is marked dropped.
func (g *socketCANGateway) readLoop() {
	for {
		frame, err := g.sock.Recv()
		if err != nil {
			g.connected.set(false)
			return
		}
		g.mu.Lock()
		g.inbox = append(g.inbox, Frame{
			Address:   frame.ID,
			Data:      frame.Data,
			SourceBus: uint8(g.busBase),
		})
		g.buses[0].TotalRx++
		g.mu.Unlock()
	}
}

func (g *socketCANGateway) Serial() string             { return g.serialNum }
func (g *socketCANGateway) HardwareType() HardwareType { return g.hwType }
func (g *socketCANGateway) Position() int              { return g.position }
func (g *socketCANGateway) BaseBus() int               { return g.busBase }
func (g *socketCANGateway) HasRTC() bool               { return g.hasRTC }
func (g *socketCANGateway) HasGPS() bool               { return g.hasGPS }
func (g *socketCANGateway) Connected() bool            { return g.connected.get() }
func (g *socketCANGateway) CommsHealthy() bool         { return g.connected.get() }

func (g *socketCANGateway) GetState() (Health, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected.get() {
		return Health{}, false
	}
	return g.health, true
}

func (g *socketCANGateway) GetCANState(busIndex int) (CANHealth, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if busIndex < 0 || busIndex >= len(g.buses) || !g.connected.get() {
		return CANHealth{}, false
	}
	return g.buses[busIndex], true
}

func (g *socketCANGateway) CANSend(frames []Frame) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, f := range frames {
		kind := canbus.SFF
		if f.Address > 0x7ff {
			kind = canbus.EFF
		}
		out := canbus.Frame{ID: f.Address & 0x1fffffff, Data: f.Data, Kind: kind}
		if _, err := g.sock.Send(out); err != nil {
			g.connected.set(false)
			g.health.TxBufferOverflow++
			return errors.Wrap(err, "socketcan send")
		}
		bus := int(f.SourceBus) - g.busBase
		if bus >= 0 && bus < len(g.buses) {
			g.buses[bus].TotalTx++
		}
	}
	return nil
}

func (g *socketCANGateway) CANReceive(buf []Frame) ([]Frame, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	buf = append(buf, g.inbox...)
	g.inbox = g.inbox[:0]
	return buf, g.connected.get()
}

func (g *socketCANGateway) SetSafetyModel(model SafetyModel, param int16) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.health.SafetyModel = model
	g.health.SafetyParam = param
	return nil
}

func (g *socketCANGateway) SetAlternativeExperience(mask uint16) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.health.AlternativeExperience = mask
	return nil
}

func (g *socketCANGateway) SetPowerSaving(enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.health.PowerSaveEnabled = enabled
	return nil
}

// The remaining peripheral operations are no-ops on a bare SocketCAN
// interface: it has no fan, IR illuminator, or USB power controller of
// its own. They return nil rather than an error since absence of a
// peripheral is not a fault condition for this transport.
func (g *socketCANGateway) SetFanSpeed(percent int) error          { return nil }
func (g *socketCANGateway) GetFanSpeedRPM() (int, error)           { return 0, nil }
func (g *socketCANGateway) SetIRPower(percent float64) error       { return nil }
func (g *socketCANGateway) SetLoopback(enabled bool) error         { return nil }
func (g *socketCANGateway) SetUSBPowerMode(mode USBPowerMode) error { return nil }

func (g *socketCANGateway) GetRTC() (RTCSkew, error) {
	return RTCSkew{}, errors.New("socketcan gateway has no onboard RTC")
}

func (g *socketCANGateway) SetRTC(t RTCSkew) error {
	return errors.New("socketcan gateway has no onboard RTC")
}

func (g *socketCANGateway) SendHeartbeat(engaged bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.health.HeartbeatLost = false
	return nil
}

func (g *socketCANGateway) Close() error {
	g.connected.set(false)
	return g.sock.Close()
}
