package safety

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/anodyne74/cangated/internal/paramstore"
	"github.com/anodyne74/cangated/internal/state"
)

func openStore(t *testing.T) *paramstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.db")
	store, err := paramstore.Open(path)
	if err != nil {
		t.Fatalf("open param store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

// TestFingerprintThenCommit drives the full fingerprint-then-commit
// sequence end-to-end against two simulated gateways.
func TestFingerprintThenCommit(t *testing.T) {
	store := openStore(t)
	shared := state.New()
	shared.SetIgnition(true)

	internal := gateway.NewSimulated("INT", gateway.HardwareInternal, 0, true, true)
	external := gateway.NewSimulated("EXT", gateway.HardwareUSBBridge, 1, false, false)
	fleet := []gateway.Gateway{internal, external}

	h := NewHandshake(store, shared)
	h.Launch(fleet)

	waitFor(t, func() bool {
		hi, _ := internal.GetState()
		he, _ := external.GetState()
		return hi.SafetyModel == gateway.SafetyElm327 && hi.SafetyParam == 1 &&
			he.SafetyModel == gateway.SafetyElm327 && he.SafetyParam == 1
	})

	// The phase-2 loop has been polling with ObdMultiplexingEnabled
	// unset (reads false, matching its baseline); no spurious change
	// notification may have been written yet.
	time.Sleep(3 * MultiplexingPollPeriod)
	if changed, err := store.GetBool(paramstore.KeyObdMultiplexingChanged); err != nil || changed {
		t.Fatalf("ObdMultiplexingChanged written before any toggle: (%v, %v)", changed, err)
	}

	if err := store.PutBool(paramstore.KeyObdMultiplexingEnabled, true); err != nil {
		t.Fatalf("put ObdMultiplexingEnabled: %v", err)
	}

	waitFor(t, func() bool {
		hi, _ := internal.GetState()
		return hi.SafetyParam == 0
	})
	hi, _ := internal.GetState()
	he, _ := external.GetState()
	if hi.SafetyModel != gateway.SafetyElm327 || hi.SafetyParam != 0 {
		t.Fatalf("gateway 0 after mux enable = {%v,%d}, want {ELM327,0}", hi.SafetyModel, hi.SafetyParam)
	}
	if he.SafetyModel != gateway.SafetyElm327 || he.SafetyParam != 1 {
		t.Fatalf("gateway 1 after mux enable = {%v,%d}, want {ELM327,1}", he.SafetyModel, he.SafetyParam)
	}
	changed, err := store.GetBool(paramstore.KeyObdMultiplexingChanged)
	if err != nil || !changed {
		t.Fatalf("expected ObdMultiplexingChanged=true, got (%v, %v)", changed, err)
	}

	if err := store.PutBool(paramstore.KeyFirmwareQueryDone, true); err != nil {
		t.Fatalf("put FirmwareQueryDone: %v", err)
	}
	if err := store.PutCarParams(paramstore.CarParams{
		SafetyConfigs:         []paramstore.SafetyConfigEntry{{SafetyModel: gateway.SafetyHonda, SafetyParam: 2}},
		AlternativeExperience: 0x4,
	}); err != nil {
		t.Fatalf("put CarParams: %v", err)
	}
	if err := store.PutBool(paramstore.KeyControlsReady, true); err != nil {
		t.Fatalf("put ControlsReady: %v", err)
	}

	waitFor(t, func() bool {
		hi, _ := internal.GetState()
		return hi.SafetyModel == gateway.SafetyHonda
	})

	hi, _ = internal.GetState()
	he, _ = external.GetState()
	if hi.SafetyModel != gateway.SafetyHonda || hi.SafetyParam != 2 || hi.AlternativeExperience != 0x4 {
		t.Errorf("gateway 0 final = %+v, want {HONDA,2,altExp=0x4}", hi)
	}
	if he.SafetyModel != gateway.SafetySilent || he.SafetyParam != 0 || he.AlternativeExperience != 0x4 {
		t.Errorf("gateway 1 final = %+v, want {silent,0,altExp=0x4}", he)
	}

	waitFor(t, func() bool { return !h.Running() })
}

// TestIgnitionLostMidHandshake checks that losing ignition during
// phase 2 aborts the handshake before CarParams is ever read.
func TestIgnitionLostMidHandshake(t *testing.T) {
	store := openStore(t)
	shared := state.New()
	shared.SetIgnition(true)

	g := gateway.NewSimulated("INT", gateway.HardwareInternal, 0, true, true)
	fleet := []gateway.Gateway{g}

	h := NewHandshake(store, shared)
	h.Launch(fleet)

	waitFor(t, func() bool {
		hs, _ := g.GetState()
		return hs.SafetyModel == gateway.SafetyElm327
	})

	shared.SetIgnition(false)

	waitFor(t, func() bool { return !h.Running() })

	// CarParams was never read, so the gateway must not have been
	// driven to a vehicle-specific safety model.
	hs, _ := g.GetState()
	if hs.SafetyModel == gateway.SafetyHonda {
		t.Errorf("handshake committed a safety config despite ignition loss")
	}
}

func TestLaunchIgnoresEmptyFleet(t *testing.T) {
	store := openStore(t)
	shared := state.New()
	h := NewHandshake(store, shared)
	h.Launch(nil)
	if h.Running() {
		t.Errorf("expected Launch(nil) to be a no-op")
	}
}

func TestLaunchIsIdempotentWhileRunning(t *testing.T) {
	store := openStore(t)
	shared := state.New()
	shared.SetIgnition(true)
	g := gateway.NewSimulated("INT", gateway.HardwareInternal, 0, true, true)
	h := NewHandshake(store, shared)

	h.Launch([]gateway.Gateway{g})
	// A second Launch call while the first is in flight must not start
	// a concurrent run (it would be a data race on the same gateway).
	h.Launch([]gateway.Gateway{g})

	shared.SetIgnition(false)
	waitFor(t, func() bool { return !h.Running() })
}
