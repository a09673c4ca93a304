// Package safety implements the Safety Handshake: the one-shot task
// that transitions the fleet from fingerprinting-friendly ELM327 mode
// to the production safety configuration supplied by the external
// controls subsystem. It runs in three phases -- pre-fingerprint,
// multiplexing loop, commit -- and a false return at any phase leaves
// the fleet in whatever safety state it had reached.
package safety

import (
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/anodyne74/cangated/internal/audit"
	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/anodyne74/cangated/internal/paramstore"
	"github.com/anodyne74/cangated/internal/state"
)

// MultiplexingPollPeriod is the phase-2 parameter poll cadence (50 Hz).
const MultiplexingPollPeriod = 20 * time.Millisecond

// ControlsReadyPollPeriod is the phase-3 parameter poll cadence (10 Hz).
const ControlsReadyPollPeriod = 100 * time.Millisecond

// Handshake is the one-shot Safety Handshake task. A single instance is
// shared across the process lifetime; Launch is idempotent while a run
// is already in flight.
type Handshake struct {
	Params *paramstore.Store
	Shared *state.Shared
	Logger *log.Logger

	// Audit, when non-nil, receives handshake lifecycle events and
	// every committed safety-model transition.
	Audit *audit.Log

	running atomic.Bool
}

// NewHandshake constructs a Handshake bound to the given parameter
// store and shared flags.
func NewHandshake(params *paramstore.Store, shared *state.Shared) *Handshake {
	return &Handshake{
		Params: params,
		Shared: shared,
		Logger: log.New(os.Stderr, "safety: ", log.LstdFlags),
	}
}

// Running reports whether a handshake is currently in flight.
func (h *Handshake) Running() bool { return h.running.Load() }

// Launch starts the handshake in a detached goroutine if one is not
// already running. fleet must have at least one gateway; an empty fleet
// is a silent no-op.
func (h *Handshake) Launch(fleet []gateway.Gateway) {
	if len(fleet) == 0 {
		return
	}
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer h.running.Store(false)
		h.record(audit.EventHandshakeStarted, "", "")
		if h.run(fleet) {
			h.record(audit.EventHandshakeDone, "", "")
		} else {
			h.Logger.Printf("handshake aborted")
			h.record(audit.EventHandshakeAborted, "", "")
		}
	}()
}

func (h *Handshake) record(kind audit.EventKind, serial, detail string) {
	if h.Audit == nil {
		return
	}
	if err := h.Audit.Record(kind, serial, detail); err != nil {
		h.Logger.Printf("audit record failed: %v", err)
	}
}

func (h *Handshake) run(fleet []gateway.Gateway) bool {
	if !h.preFingerprint(fleet) {
		return false
	}
	if !h.multiplexingLoop(fleet) {
		return false
	}
	return h.commit(fleet)
}

// aborted reports whether any termination condition has fired:
// shutdown, a disconnected gateway, or ignition loss.
func (h *Handshake) aborted(fleet []gateway.Gateway) bool {
	if h.Shared.ShuttingDown() {
		return true
	}
	if !h.Shared.Ignition() {
		return true
	}
	for _, g := range fleet {
		if !g.Connected() {
			return true
		}
	}
	return false
}

// preFingerprint is phase 1: set every gateway to ELM327/no-muxing so
// an external fingerprinting routine can probe the bus.
func (h *Handshake) preFingerprint(fleet []gateway.Gateway) bool {
	if h.aborted(fleet) {
		return false
	}
	for _, g := range fleet {
		if err := g.SetSafetyModel(gateway.SafetyElm327, 1); err != nil {
			h.Logger.Printf("phase1: set safety model on %s: %v", g.Serial(), err)
			return false
		}
	}
	return true
}

// multiplexingLoop is phase 2: poll ObdMultiplexingEnabled at 50 Hz,
// rewriting each gateway's ELM327 parameter on every change, until
// FirmwareQueryDone reads true.
func (h *Handshake) multiplexingLoop(fleet []gateway.Gateway) bool {
	// Phase 1 left every gateway unmultiplexed, so the baseline is
	// false; an unset parameter also reads false and is a no-op here.
	lastRequested := false

	ticker := time.NewTicker(MultiplexingPollPeriod)
	defer ticker.Stop()

	for {
		if h.aborted(fleet) {
			return false
		}

		done, err := h.Params.GetBool(paramstore.KeyFirmwareQueryDone)
		if err == nil && done {
			return true
		}

		requested, err := h.Params.GetBool(paramstore.KeyObdMultiplexingEnabled)
		if err == nil && requested != lastRequested {
			lastRequested = requested
			h.rewriteMultiplexing(fleet, requested)
			_ = h.Params.PutBool(paramstore.KeyObdMultiplexingChanged, true)
		}

		<-ticker.C
	}
}

func (h *Handshake) rewriteMultiplexing(fleet []gateway.Gateway, requested bool) {
	for i, g := range fleet {
		// Only the internal gateway at position 0 owns the OBD port, so
		// only it ever multiplexes.
		param := int16(1)
		if i == 0 && g.HardwareType() == gateway.HardwareInternal && requested {
			param = 0
		}
		if err := g.SetSafetyModel(gateway.SafetyElm327, param); err != nil {
			h.Logger.Printf("phase2: set safety param on %s: %v", g.Serial(), err)
		}
	}
}

// commit is phase 3: poll ControlsReady at 10 Hz, then apply the
// positional safety configuration extracted from CarParams. Positions
// beyond the configured list get the silent model.
func (h *Handshake) commit(fleet []gateway.Gateway) bool {
	ticker := time.NewTicker(ControlsReadyPollPeriod)
	defer ticker.Stop()

	for {
		if h.aborted(fleet) {
			return false
		}

		ready, err := h.Params.GetBool(paramstore.KeyControlsReady)
		if err == nil && ready {
			break
		}
		<-ticker.C
	}

	cp, ok, err := h.Params.GetCarParams()
	if err != nil || !ok {
		h.Logger.Printf("phase3: read CarParams: %v", err)
		return false
	}

	for i, g := range fleet {
		entry := paramstore.SafetyConfigEntry{SafetyModel: gateway.SafetySilent, SafetyParam: 0}
		if i < len(cp.SafetyConfigs) {
			entry = cp.SafetyConfigs[i]
		}
		if err := g.SetAlternativeExperience(cp.AlternativeExperience); err != nil {
			h.Logger.Printf("phase3: set alt experience on %s: %v", g.Serial(), err)
			return false
		}
		if err := g.SetSafetyModel(entry.SafetyModel, entry.SafetyParam); err != nil {
			h.Logger.Printf("phase3: set safety model on %s: %v", g.Serial(), err)
			return false
		}
		if h.Audit != nil {
			if err := h.Audit.RecordSafetyModel(g.Serial(), entry.SafetyModel, entry.SafetyParam); err != nil {
				h.Logger.Printf("audit record failed: %v", err)
			}
		}
	}
	return true
}
