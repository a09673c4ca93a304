// Package telemetry archives Health Loop snapshots to InfluxDB, one
// measurement per gateway and per CAN bus, for fleet observability
// dashboards downstream of this daemon.
package telemetry

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"

	"github.com/anodyne74/cangated/internal/bus"
	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/anodyne74/cangated/internal/state"
)

// Archiver writes PandaStatesMsg and PeripheralStateMsg snapshots to
// an InfluxDB bucket.
type Archiver struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewArchiver connects to InfluxDB at url and verifies connectivity.
func NewArchiver(url, token, org, bucket string) (*Archiver, error) {
	client := influxdb2.NewClient(url, token)
	if _, err := client.Ping(context.Background()); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "connect to influxdb")
	}
	return &Archiver{client: client, writeAPI: client.WriteAPIBlocking(org, bucket)}, nil
}

// WriteHealth archives one fleet health snapshot.
func (a *Archiver) WriteHealth(msg bus.PandaStatesMsg) error {
	for _, entry := range msg.Gateways {
		point := influxdb2.NewPoint(
			"gateway_health",
			map[string]string{"serial": entry.Serial},
			map[string]interface{}{
				"uptime_seconds":    entry.Health.UptimeSeconds,
				"safety_model":      entry.Health.SafetyModel.String(),
				"ignition_line":     entry.Health.IgnitionLine,
				"ignition_can":      entry.Health.IgnitionCAN,
				"controls_allowed":  entry.Health.ControlsAllowed,
				"power_save":        entry.Health.PowerSaveEnabled,
				"heartbeat_lost":    entry.Health.HeartbeatLost,
				"voltage_pack":      entry.Health.VoltagePack,
				"fault_status":      int(entry.Health.FaultStatus),
			},
			msg.Timestamp,
		)
		if err := a.writeAPI.WritePoint(context.Background(), point); err != nil {
			return errors.Wrapf(err, "write gateway health for %s", entry.Serial)
		}

		for i, ch := range entry.Buses {
			busPoint := influxdb2.NewPoint(
				"can_bus_health",
				map[string]string{"serial": entry.Serial, "bus": strconv.Itoa(i)},
				map[string]interface{}{
					"bus_off":         ch.BusOff,
					"total_tx":        ch.TotalTx,
					"total_rx":        ch.TotalRx,
					"total_errors":    ch.TotalErrors,
					"total_forwarded": ch.TotalForwarded,
					"speed_kbps":      ch.SpeedKbps,
				},
				msg.Timestamp,
			)
			if err := a.writeAPI.WritePoint(context.Background(), busPoint); err != nil {
				return errors.Wrapf(err, "write can bus health for %s/%d", entry.Serial, i)
			}
		}
	}
	return nil
}

// WritePeripheral archives one peripheral-state snapshot.
func (a *Archiver) WritePeripheral(msg bus.PeripheralStateMsg) error {
	point := influxdb2.NewPoint(
		"peripheral_state",
		map[string]string{"hardware": msg.HardwareType.String()},
		map[string]interface{}{
			"voltage_volts": msg.VoltageVolts,
			"current_amps":  msg.CurrentAmps,
			"fan_rpm":       msg.FanRPM,
		},
		msg.Timestamp,
	)
	if err := a.writeAPI.WritePoint(context.Background(), point); err != nil {
		return errors.Wrap(err, "write peripheral state")
	}
	return nil
}

// Close releases the underlying InfluxDB client.
func (a *Archiver) Close() error {
	a.client.Close()
	return nil
}

// Loop is the fleet.Activity that feeds the Health Loop's published
// snapshots to an Archiver until shutdown.
type Loop struct {
	Bus      *bus.Bus
	Archiver *Archiver
}

// NewLoop constructs a telemetry Loop archiving onto archiver.
func NewLoop(b *bus.Bus, archiver *Archiver) *Loop {
	return &Loop{Bus: b, Archiver: archiver}
}

// Run implements fleet.Activity.
func (l *Loop) Run(fleet []gateway.Gateway, shared *state.Shared) {
	healthSub := l.Bus.Subscribe(bus.TopicPandaStates, 4)
	defer healthSub.Close()
	peripheralSub := l.Bus.Subscribe(bus.TopicPeripheralState, 4)
	defer peripheralSub.Close()

	for {
		if shared.ShuttingDown() {
			return
		}
		if msg, ok := healthSub.Receive(100 * time.Millisecond); ok {
			if h, ok := msg.(bus.PandaStatesMsg); ok {
				_ = l.Archiver.WriteHealth(h)
			}
		}
		if msg, ok := peripheralSub.Receive(0); ok {
			if p, ok := msg.(bus.PeripheralStateMsg); ok {
				_ = l.Archiver.WritePeripheral(p)
			}
		}
	}
}
