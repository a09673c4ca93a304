package rtc

import (
	"testing"
	"time"

	"github.com/anodyne74/cangated/internal/gateway"
)

func TestSyncToGatewayCorrectsLargeDrift(t *testing.T) {
	g := gateway.NewSimulated("RTC1", gateway.HardwareInternal, 0, true, false)
	g.SetRTCValue(time.Now().Add(-1 * time.Hour))

	SyncToGateway(g)

	if skew := time.Since(g.RTC()); skew > time.Second {
		t.Fatalf("gateway rtc not corrected, still off by %s", skew)
	}
}

func TestSyncToGatewayLeavesSmallDriftAlone(t *testing.T) {
	g := gateway.NewSimulated("RTC2", gateway.HardwareInternal, 0, true, false)
	seeded := time.Now().Add(-100 * time.Millisecond)
	g.SetRTCValue(seeded)

	SyncToGateway(g)

	if !g.RTC().Equal(seeded) {
		t.Fatalf("small drift should not trigger a write-back")
	}
}

func TestSyncToGatewaySkipsWithoutRTC(t *testing.T) {
	g := gateway.NewSimulated("NORTC", gateway.HardwareUSBBridge, 1, false, false)
	seeded := time.Now().Add(-1 * time.Hour)
	g.SetRTCValue(seeded)

	SyncToGateway(g)

	if !g.RTC().Equal(seeded) {
		t.Fatalf("gateway without rtc capability should never be written to")
	}
}

// TestReadFromGatewaySkipsWithoutRTC and TestReadFromGatewayNoopWhenHostValid
// cover ReadFromGateway's early-return paths. Its host-clock-set branch
// (host invalid, gateway valid) calls unix.Settimeofday directly and is
// deliberately not exercised here -- Simulated.GetRTC always reports the
// real wall clock as Host, and a unit test has no business mutating the
// machine's system clock.

func TestReadFromGatewaySkipsWithoutRTC(t *testing.T) {
	g := gateway.NewSimulated("NORTC", gateway.HardwareUSBBridge, 1, false, false)

	if err := ReadFromGateway(g); err != nil {
		t.Fatalf("ReadFromGateway on a gateway without rtc: %v", err)
	}
}

func TestReadFromGatewayNoopWhenHostValid(t *testing.T) {
	g := gateway.NewSimulated("RTC3", gateway.HardwareInternal, 0, true, false)
	g.SetRTCValue(time.Now().Add(-1 * time.Hour))

	if err := ReadFromGateway(g); err != nil {
		t.Fatalf("ReadFromGateway with a valid host clock: %v", err)
	}
}
