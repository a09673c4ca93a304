// Package state holds the handful of process-wide flags shared by every
// long-lived activity: ignition, GPS activity, and the shutdown signal.
//
// All three are plain atomics -- each consumer re-samples on its own
// cadence, so transient disagreement between threads is expected and
// harmless.
package state

import "sync/atomic"

// Shared is the set of atomic flags passed by reference to every
// long-lived activity. It is constructed once at process start, handed
// to the Fleet Manager, and never copied.
type Shared struct {
	ignition   atomic.Bool
	gpsActive  atomic.Bool
	shutdown   atomic.Bool
}

// New returns a freshly zeroed set of shared flags.
func New() *Shared {
	return &Shared{}
}

func (s *Shared) Ignition() bool { return s.ignition.Load() }

func (s *Shared) SetIgnition(v bool) { s.ignition.Store(v) }

func (s *Shared) GPSActive() bool { return s.gpsActive.Load() }

func (s *Shared) SetGPSActive(v bool) { s.gpsActive.Store(v) }

// ShuttingDown reports whether shutdown has been requested.
func (s *Shared) ShuttingDown() bool { return s.shutdown.Load() }

// Shutdown flips the shutdown flag. It is write-once in spirit: once
// true it is never reset back to false by this process. Safe to call
// from a signal handler.
func (s *Shared) Shutdown() { s.shutdown.Store(true) }
