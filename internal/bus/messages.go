package bus

import (
	"time"

	"github.com/anodyne74/cangated/internal/gateway"
)

// Topic names used across the daemon.
const (
	TopicPandaStates     = "pandaStates"
	TopicPeripheralState = "peripheralState"
	TopicCAN             = "can"
	TopicSendCAN         = "sendcan"
	TopicControlsState   = "controlsState"
	TopicDeviceState     = "deviceState"
	TopicDriverCamState  = "driverCameraState"
	TopicUbloxRaw        = "ubloxRaw"
)

// PandaStatesMsg is published by the Health Loop at 2 Hz.
type PandaStatesMsg struct {
	Valid     bool
	Gateways  []GatewayHealthEntry
	Timestamp time.Time
}

// GatewayHealthEntry pairs one gateway's health with its per-bus
// health snapshots.
type GatewayHealthEntry struct {
	Serial string
	Health gateway.Health
	Buses  []gateway.CANHealth
}

// PeripheralStateMsg is published by the Health Loop at 2 Hz for the
// internal gateway's peripherals.
type PeripheralStateMsg struct {
	VoltageVolts float32
	CurrentAmps  float32
	FanRPM       int
	HardwareType gateway.HardwareType
	Timestamp    time.Time
}

// CANMsg is published by the CAN Receive Loop at 100 Hz.
type CANMsg struct {
	Valid     bool
	Frames    []gateway.Frame
	Timestamp time.Time
}

// SendCANMsg is the batch subscribed to by the CAN Send Loop.
type SendCANMsg struct {
	Timestamp time.Time
	Frames    []gateway.Frame
}

// ControlsStateMsg carries the engaged flag consumed by the Health
// Loop's heartbeat step.
type ControlsStateMsg struct {
	Engaged bool
}

// DeviceStateMsg carries fan/charging requests consumed by the
// Peripheral Controller.
type DeviceStateMsg struct {
	FanSpeedPercent  int
	ChargingDisabled bool
}

// DriverCameraStateMsg carries the camera-exposure proxy consumed by
// the Peripheral Controller's IR-power ramp.
type DriverCameraStateMsg struct {
	IntegLines float64
	Timestamp  time.Time
}
