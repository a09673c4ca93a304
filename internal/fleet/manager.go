// Package fleet implements the Fleet Manager: enumeration, ordering,
// opening, and supervised teardown of the gateway fleet. The fleet is
// a position-ordered slice rather than a keyed registry, since a
// gateway's position fixes its CAN-bus base offset.
package fleet

import (
	"log"
	"os"
	"time"

	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/anodyne74/cangated/internal/rtc"
	"github.com/anodyne74/cangated/internal/state"
)

// RetryDelay is how long a failed open on a required slot waits before
// retrying.
const RetryDelay = 500 * time.Millisecond

// Activity is one of the long-lived activities the Fleet Manager
// starts after a successful open. Run must return promptly once
// shared.ShuttingDown() is observed true at the activity's next loop
// head.
type Activity interface {
	Run(fleet []gateway.Gateway, shared *state.Shared)
}

// Manager owns the gateway fleet's lifecycle.
type Manager struct {
	Enumerator      gateway.Enumerator
	RequiredSerials []string
	Shared          *state.Shared
	Logger          *log.Logger

	// Loopback mirrors the BOARDD_LOOPBACK environment variable: when
	// set, every gateway is put into CAN loopback mode right after it
	// is opened.
	Loopback bool

	// OnFailedOpen is invoked once per retry of a failed open, before
	// the retry sleep. The caller publishes its empty health and
	// peripheral messages here -- this package depends only on
	// gateway/state, not on the bus package's message shapes.
	OnFailedOpen func()

	gateways []gateway.Gateway
}

// NewManager constructs a Manager. If logger is nil, a default one
// writing to stderr is used.
func NewManager(enumerator gateway.Enumerator, requiredSerials []string, shared *state.Shared, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "fleet: ", log.LstdFlags)
	}
	return &Manager{
		Enumerator:      enumerator,
		RequiredSerials: requiredSerials,
		Shared:          shared,
		Logger:          logger,
	}
}

// Fleet returns the current ordered, opened gateway slice. Valid only
// between a successful Open and a subsequent Close.
func (m *Manager) Fleet() []gateway.Gateway {
	return m.gateways
}

// Open enumerates (or validates the required serial list), orders, and
// opens every gateway in sequence, retrying a failed required slot
// forever at RetryDelay until it succeeds or shutdown is requested. It
// returns (false, nil) on a clean "no gateways present" exit, which
// the caller maps to a zero exit code.
func (m *Manager) Open() (ok bool, err error) {
	descs, err := m.Enumerator.Enumerate(false)
	if err != nil {
		return false, err
	}

	// The hardware-type/serial sort applies to automatic enumeration
	// only; an explicit serial list is opened in caller-supplied order.
	if len(m.RequiredSerials) > 0 {
		descs = filterRequired(descs, m.RequiredSerials)
	} else {
		descs = gateway.Order(descs)
	}

	if len(descs) == 0 {
		m.Logger.Printf("warning: no gateways present, exiting cleanly")
		return false, nil
	}

	gateways := make([]gateway.Gateway, 0, len(descs))
	for position, d := range descs {
		for {
			if m.Shared.ShuttingDown() {
				closeAll(gateways)
				return false, nil
			}
			g, err := gateway.Open(d, position)
			if err == nil {
				if m.Loopback {
					if lbErr := g.SetLoopback(true); lbErr != nil {
						m.Logger.Printf("enable loopback on %s: %v", g.Serial(), lbErr)
					}
				}
				if rtcErr := rtc.ReadFromGateway(g); rtcErr != nil {
					m.Logger.Printf("rtc sync from %s: %v", g.Serial(), rtcErr)
				}
				gateways = append(gateways, g)
				break
			}
			m.Logger.Printf("open failed for %s: %v, retrying in %s", d.Serial, err, RetryDelay)
			if m.OnFailedOpen != nil {
				m.OnFailedOpen()
			}
			time.Sleep(RetryDelay)
		}
	}

	m.gateways = gateways
	return true, nil
}

// Run starts every activity in its own goroutine and blocks until all
// have returned (which happens once Shared.ShuttingDown() is observed),
// then closes every gateway handle. It does not itself trigger
// shutdown or process exit; respawning is the supervising launcher's
// job.
func (m *Manager) Run(activities ...Activity) {
	done := make(chan struct{}, len(activities))
	for _, a := range activities {
		a := a
		go func() {
			defer func() { done <- struct{}{} }()
			a.Run(m.gateways, m.Shared)
		}()
	}
	for range activities {
		<-done
	}
	closeAll(m.gateways)
	m.gateways = nil
}

func closeAll(gateways []gateway.Gateway) {
	for _, g := range gateways {
		_ = g.Close()
	}
}

// filterRequired keeps only the required serials, in the order the
// caller listed them.
func filterRequired(descs []gateway.Descriptor, required []string) []gateway.Descriptor {
	bySerial := make(map[string]gateway.Descriptor, len(descs))
	for _, d := range descs {
		bySerial[d.Serial] = d
	}
	var out []gateway.Descriptor
	for _, s := range required {
		if d, ok := bySerial[s]; ok {
			out = append(out, d)
		}
	}
	return out
}
