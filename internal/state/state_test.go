package state

import "testing"

func TestFlagsDefaultFalse(t *testing.T) {
	s := New()
	if s.Ignition() {
		t.Errorf("ignition should default false")
	}
	if s.GPSActive() {
		t.Errorf("gps active should default false")
	}
	if s.ShuttingDown() {
		t.Errorf("shutdown should default false")
	}
}

func TestSetAndReadFlags(t *testing.T) {
	s := New()
	s.SetIgnition(true)
	if !s.Ignition() {
		t.Errorf("expected ignition true after SetIgnition(true)")
	}
	s.SetIgnition(false)
	if s.Ignition() {
		t.Errorf("expected ignition false after SetIgnition(false)")
	}

	s.SetGPSActive(true)
	if !s.GPSActive() {
		t.Errorf("expected gps active true after SetGPSActive(true)")
	}
}

func TestShutdownIsWriteOnceInSpirit(t *testing.T) {
	s := New()
	s.Shutdown()
	if !s.ShuttingDown() {
		t.Fatalf("expected shutdown true after Shutdown()")
	}
	// Calling Shutdown again must not panic or toggle anything back.
	s.Shutdown()
	if !s.ShuttingDown() {
		t.Fatalf("expected shutdown to remain true")
	}
}
