// Package peripheral implements the Peripheral Controller: fan speed,
// IR illumination, charging mode, and RTC drift correction, driven by
// a fixed-cadence tick loop that samples two bus subscriptions and
// commands the peripheral-bearing gateway.
package peripheral

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/anodyne74/cangated/internal/bus"
	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/anodyne74/cangated/internal/rtc"
	"github.com/anodyne74/cangated/internal/state"
)

// TickPeriod is the Peripheral Controller's internal cadence. The
// RTC-sync tick count (120) is chosen against this period so that
// tick%120==1 lands once per minute.
const TickPeriod = 500 * time.Millisecond

// MinIRPower and MaxIRPower bound the commanded IR illumination level.
const (
	MinIRPower = 0.0
	MaxIRPower = 0.5
)

// FrontFrameTimeout is how long without a driverCameraState update
// before IR power is forced to zero.
const FrontFrameTimeout = 1 * time.Second

// HardwareIRThresholds gives the cutoff/saturation integ_lines values
// for the IR ramp, which are hardware-dependent.
type HardwareIRThresholds struct {
	Cutoff     float64
	Saturation float64
}

// DefaultIRThresholds holds the modern-hardware ramp values.
var DefaultIRThresholds = HardwareIRThresholds{Cutoff: 400, Saturation: 1000}

// Controller is the Peripheral Controller activity.
type Controller struct {
	Bus           *bus.Bus
	FanControl    bool // false when NO_FAN_CONTROL is set
	IRThresholds  HardwareIRThresholds
	Logger        *log.Logger

	mu               sync.Mutex
	prevFanPercent   int
	prevIRPower      float64
	prevCharging     bool
	tick             int
	lastFrontFrame   time.Time
	filteredIntegLines float64
	haveFiltered     bool
}

// NewController constructs a Peripheral Controller.
func NewController(b *bus.Bus, fanControl bool) *Controller {
	return &Controller{
		Bus:          b,
		FanControl:   fanControl,
		IRThresholds: DefaultIRThresholds,
		Logger:       log.New(os.Stderr, "peripheral: ", log.LstdFlags),
	}
}

// Run implements fleet.Activity.
func (c *Controller) Run(fleet []gateway.Gateway, shared *state.Shared) {
	deviceSub := c.Bus.Subscribe(bus.TopicDeviceState, 4)
	defer deviceSub.Close()
	cameraSub := c.Bus.Subscribe(bus.TopicDriverCamState, 4)
	defer cameraSub.Close()

	g := internalGateway(fleet)

	ticker := time.NewTicker(TickPeriod)
	defer ticker.Stop()

	for {
		if shared.ShuttingDown() {
			return
		}

		if msg, ok := deviceSub.Receive(0); ok {
			if ds, ok := msg.(bus.DeviceStateMsg); ok {
				c.onDeviceState(g, ds)
			}
		}
		if msg, ok := cameraSub.Receive(0); ok {
			if cs, ok := msg.(bus.DriverCameraStateMsg); ok {
				c.onCameraState(g, cs)
			}
		}

		c.mu.Lock()
		c.tick++
		tick := c.tick
		lastFront := c.lastFrontFrame
		c.mu.Unlock()

		if g != nil && !lastFront.IsZero() && time.Since(lastFront) > FrontFrameTimeout {
			c.commandIRPower(g, 0)
		}

		if tick%120 == 1 && !shared.Ignition() && g != nil {
			rtc.SyncToGateway(g)
		}

		<-ticker.C
	}
}

func internalGateway(fleet []gateway.Gateway) gateway.Gateway {
	for _, g := range fleet {
		if g.HardwareType() == gateway.HardwareInternal {
			return g
		}
	}
	if len(fleet) > 0 {
		return fleet[0]
	}
	return nil
}

func (c *Controller) onDeviceState(g gateway.Gateway, ds bus.DeviceStateMsg) {
	if g == nil {
		return
	}

	c.mu.Lock()
	chargingChanged := ds.ChargingDisabled != c.prevCharging
	c.mu.Unlock()

	if chargingChanged {
		mode := gateway.USBPowerCDPFast
		if ds.ChargingDisabled {
			mode = gateway.USBPowerClient
		}
		if err := g.SetUSBPowerMode(mode); err != nil {
			c.Logger.Printf("set usb power mode: %v", err)
		} else {
			c.mu.Lock()
			c.prevCharging = ds.ChargingDisabled
			c.mu.Unlock()
		}
	}

	if !c.FanControl {
		return
	}
	c.mu.Lock()
	fanChanged := ds.FanSpeedPercent != c.prevFanPercent
	dueForRefresh := c.tick%100 == 0
	c.mu.Unlock()

	if fanChanged || dueForRefresh {
		if err := g.SetFanSpeed(ds.FanSpeedPercent); err != nil {
			c.Logger.Printf("set fan speed: %v", err)
			return
		}
		c.mu.Lock()
		c.prevFanPercent = ds.FanSpeedPercent
		c.mu.Unlock()
	}
}

func (c *Controller) onCameraState(g gateway.Gateway, cs bus.DriverCameraStateMsg) {
	c.mu.Lock()
	c.lastFrontFrame = time.Now()
	if !c.haveFiltered {
		c.filteredIntegLines = cs.IntegLines
		c.haveFiltered = true
	} else {
		const tau = 30.0
		const dt = 0.05
		alpha := dt / (tau + dt)
		c.filteredIntegLines += alpha * (cs.IntegLines - c.filteredIntegLines)
	}
	smoothed := c.filteredIntegLines
	c.mu.Unlock()

	power := IRPowerCurve(smoothed, c.IRThresholds)
	c.commandIRPower(g, power)
}

// IRPowerCurve computes the piecewise-linear IR power ramp: zero below
// cutoff, MaxIRPower above saturation, linear in between.
func IRPowerCurve(integLines float64, t HardwareIRThresholds) float64 {
	if integLines <= t.Cutoff {
		return MinIRPower
	}
	if integLines >= t.Saturation {
		return MaxIRPower
	}
	frac := (integLines - t.Cutoff) / (t.Saturation - t.Cutoff)
	return MinIRPower + frac*(MaxIRPower-MinIRPower)
}

func (c *Controller) commandIRPower(g gateway.Gateway, power float64) {
	if g == nil {
		return
	}
	c.mu.Lock()
	changed := power != c.prevIRPower
	dueForRefresh := c.tick%100 == 0
	// A saturated illuminator gets refreshed every tick even when the
	// value is unchanged, in case the device dropped the last command.
	atSaturation := power >= MaxIRPower
	c.mu.Unlock()

	if !(changed || dueForRefresh || atSaturation) {
		return
	}
	if err := g.SetIRPower(power); err != nil {
		c.Logger.Printf("set ir power: %v", err)
		return
	}
	c.mu.Lock()
	c.prevIRPower = power
	c.mu.Unlock()
}
