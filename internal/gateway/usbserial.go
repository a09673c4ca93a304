package gateway

import (
	"bufio"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rzetterberg/elmobd"
	"github.com/tarm/serial"
)

// usbSerialGateway is the USB-serial transport variant: a panda-style
// device that shows up as a CDC-ACM serial port.
type usbSerialGateway struct {
	mu   sync.Mutex
	port *serial.Port

	serialNum string
	hwType    HardwareType
	position  int
	busBase   int
	hasRTC    bool
	hasGPS    bool

	connected   flag
	loopback    bool
	safetyModel SafetyModel

	// elm exposes the ELM327 AT-command surface while SafetyElm327 is
	// the active safety model, letting an external fingerprinting
	// routine probe the bus.
	elm *elmobd.Device
}

// flag is a tiny mutex-guarded connected/disconnected indicator.
type flag struct {
	mu  sync.Mutex
	val bool
}

func (a *flag) set(v bool) {
	a.mu.Lock()
	a.val = v
	a.mu.Unlock()
}

func (a *flag) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.val
}

// OpenUSBSerial opens a gateway reachable over a USB-serial CDC port
// at devicePath (e.g. "/dev/ttyACM0"), assigning it the given fleet
// position.
func OpenUSBSerial(devicePath, serialNum string, hwType HardwareType, position int, hasRTC, hasGPS bool) (Gateway, error) {
	cfg := &serial.Config{Name: devicePath, Baud: 115200, ReadTimeout: 50 * time.Millisecond}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open usb-serial gateway %s at %s", serialNum, devicePath)
	}

	elm, err := elmobd.NewDevice(devicePath, false)
	if err != nil {
		port.Close()
		return nil, errors.Wrapf(err, "attach ELM327 surface on %s", devicePath)
	}

	g := &usbSerialGateway{
		port:      port,
		serialNum: serialNum,
		hwType:    hwType,
		position:  position,
		busBase:   base(position),
		hasRTC:    hasRTC,
		hasGPS:    hasGPS,
		elm:       elm,
	}
	g.connected.set(true)
	return g, nil
}

func (g *usbSerialGateway) Serial() string          { return g.serialNum }
func (g *usbSerialGateway) HardwareType() HardwareType { return g.hwType }
func (g *usbSerialGateway) Position() int           { return g.position }
func (g *usbSerialGateway) BaseBus() int             { return g.busBase }
func (g *usbSerialGateway) HasRTC() bool             { return g.hasRTC }
func (g *usbSerialGateway) HasGPS() bool             { return g.hasGPS }
func (g *usbSerialGateway) Connected() bool          { return g.connected.get() }

func (g *usbSerialGateway) CommsHealthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected.get()
}

func (g *usbSerialGateway) GetState() (Health, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected.get() {
		return Health{}, false
	}
	var h Health
	if err := g.ctrlRead(cmdGetHealth, &h); err != nil {
		return Health{}, false
	}
	return h, true
}

func (g *usbSerialGateway) GetCANState(busIndex int) (CANHealth, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected.get() {
		return CANHealth{}, false
	}
	var ch CANHealth
	if err := g.ctrlReadBus(cmdGetCANHealth, busIndex, &ch); err != nil {
		return CANHealth{}, false
	}
	return ch, true
}

func (g *usbSerialGateway) CANSend(frames []Frame) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := bufio.NewWriter(g.port)
	for _, f := range frames {
		if err := writeFrame(w, f); err != nil {
			g.connected.set(false)
			return errors.Wrap(err, "can send")
		}
	}
	return w.Flush()
}

func (g *usbSerialGateway) CANReceive(buf []Frame) ([]Frame, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := bufio.NewReader(g.port)
	for {
		f, err := readFrame(r)
		if err != nil {
			// Timeout is expected at 100Hz cadence; anything else is
			// a disconnection.
			if stderrors.Is(err, errReadTimeout) {
				break
			}
			g.connected.set(false)
			return buf, false
		}
		f.SourceBus += uint8(g.busBase)
		buf = append(buf, f)
	}
	return buf, g.connected.get()
}

func (g *usbSerialGateway) SetSafetyModel(model SafetyModel, param int16) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.ctrlWrite(cmdSetSafetyModel, uint16(model), uint16(param)); err != nil {
		return err
	}
	g.safetyModel = model
	return nil
}

func (g *usbSerialGateway) SetAlternativeExperience(mask uint16) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctrlWrite(cmdSetAltExperience, mask, 0)
}

func (g *usbSerialGateway) SetPowerSaving(enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctrlWriteBool(cmdSetPowerSave, enabled)
}

func (g *usbSerialGateway) SetFanSpeed(percent int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctrlWrite(cmdSetFanSpeed, uint16(percent), 0)
}

func (g *usbSerialGateway) GetFanSpeedRPM() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var rpm uint16
	if err := g.ctrlRead(cmdGetFanRPM, &rpm); err != nil {
		return 0, err
	}
	return int(rpm), nil
}

func (g *usbSerialGateway) SetIRPower(percent float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctrlWrite(cmdSetIRPower, uint16(percent*1000), 0)
}

func (g *usbSerialGateway) SetLoopback(enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loopback = enabled
	return g.ctrlWriteBool(cmdSetLoopback, enabled)
}

func (g *usbSerialGateway) GetRTC() (RTCSkew, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var unixSec uint32
	if err := g.ctrlRead(cmdGetRTC, &unixSec); err != nil {
		return RTCSkew{}, err
	}
	gwTime := time.Unix(int64(unixSec), 0).UTC()
	now := time.Now().UTC()
	return RTCSkew{Host: now, Gateway: gwTime, Delta: now.Sub(gwTime)}, nil
}

func (g *usbSerialGateway) SetRTC(t RTCSkew) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctrlWrite(cmdSetRTC, uint16(t.Host.Unix()>>16), uint16(t.Host.Unix()&0xffff))
}

func (g *usbSerialGateway) SendHeartbeat(engaged bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctrlWriteBool(cmdHeartbeat, engaged)
}

func (g *usbSerialGateway) SetUSBPowerMode(mode USBPowerMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctrlWrite(cmdSetUSBPower, uint16(mode), 0)
}

// ELM327Command passes a single AT/OBD command through to the device,
// for use by an external fingerprinting routine. It is not part of the
// core Gateway interface: it is an auxiliary capability specific to
// the USB-serial transport, and only answers while the ELM327 safety
// model is active.
func (g *usbSerialGateway) ELM327Command(cmd elmobd.OBDCommand) (elmobd.OBDCommand, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.elm == nil {
		return nil, fmt.Errorf("elm327 surface not available on %s", g.serialNum)
	}
	if g.safetyModel != SafetyElm327 {
		return nil, fmt.Errorf("elm327 surface requires the ELM327 safety model, %s is active", g.safetyModel)
	}
	return g.elm.RunOBDCommand(cmd)
}

func (g *usbSerialGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected.set(false)
	return g.port.Close()
}

// --- minimal control-channel wire format -----------------------------
//
// The device's real USB framing lives in firmware and its host driver;
// these helpers define the concrete byte layout this transport speaks.

type ctrlCmd uint8

const (
	cmdGetHealth ctrlCmd = iota
	cmdGetCANHealth
	cmdSetSafetyModel
	cmdSetAltExperience
	cmdSetPowerSave
	cmdSetFanSpeed
	cmdGetFanRPM
	cmdSetIRPower
	cmdSetLoopback
	cmdGetRTC
	cmdSetRTC
	cmdHeartbeat
	cmdSetUSBPower
)

var errReadTimeout = fmt.Errorf("gateway: read timeout")

func (g *usbSerialGateway) ctrlWrite(cmd ctrlCmd, a, b uint16) error {
	buf := make([]byte, 5)
	buf[0] = byte(cmd)
	binary.LittleEndian.PutUint16(buf[1:3], a)
	binary.LittleEndian.PutUint16(buf[3:5], b)
	_, err := g.port.Write(buf)
	if err != nil {
		g.connected.set(false)
	}
	return err
}

func (g *usbSerialGateway) ctrlWriteBool(cmd ctrlCmd, v bool) error {
	var a uint16
	if v {
		a = 1
	}
	return g.ctrlWrite(cmd, a, 0)
}

func (g *usbSerialGateway) ctrlRead(cmd ctrlCmd, out interface{}) error {
	if _, err := g.port.Write([]byte{byte(cmd)}); err != nil {
		g.connected.set(false)
		return err
	}
	return binary.Read(g.port, binary.LittleEndian, out)
}

func (g *usbSerialGateway) ctrlReadBus(cmd ctrlCmd, bus int, out interface{}) error {
	if _, err := g.port.Write([]byte{byte(cmd), byte(bus)}); err != nil {
		g.connected.set(false)
		return err
	}
	return binary.Read(g.port, binary.LittleEndian, out)
}

func writeFrame(w *bufio.Writer, f Frame) error {
	if err := binary.Write(w, binary.LittleEndian, f.Address); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(f.SourceBus)); err != nil {
		return err
	}
	if err := w.WriteByte(byte(len(f.Data))); err != nil {
		return err
	}
	_, err := w.Write(f.Data)
	return err
}

func readFrame(r *bufio.Reader) (Frame, error) {
	var addr uint32
	if err := binary.Read(r, binary.LittleEndian, &addr); err != nil {
		return Frame{}, errReadTimeout
	}
	bus, err := r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	n, err := r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return Frame{}, err
	}
	return Frame{Address: addr, SourceBus: bus, Data: data}, nil
}
