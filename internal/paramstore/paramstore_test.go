package paramstore

import (
	"path/filepath"
	"testing"

	"github.com/anodyne74/cangated/internal/gateway"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "params.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Put("key", []byte("value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.Get("key")
	if err != nil || !ok {
		t.Fatalf("get: (%v, %v, %v)", got, ok, err)
	}
	if string(got) != "value" {
		t.Errorf("got %q, want %q", got, "value")
	}
}

func TestGetUnsetKeyIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "params.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	_, ok, err := s.Get("missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("expected ok=false for an unset key")
	}
}

func TestBoolRoundTripDefaultsFalse(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "params.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	v, err := s.GetBool(KeyIsOnroad)
	if err != nil || v {
		t.Fatalf("expected unset bool to default false, got (%v, %v)", v, err)
	}

	if err := s.PutBool(KeyIsOnroad, true); err != nil {
		t.Fatalf("put bool: %v", err)
	}
	v, err = s.GetBool(KeyIsOnroad)
	if err != nil || !v {
		t.Fatalf("expected true after PutBool(true), got (%v, %v)", v, err)
	}
}

func TestCarParamsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "params.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	want := CarParams{
		SafetyConfigs: []SafetyConfigEntry{
			{SafetyModel: gateway.SafetyHonda, SafetyParam: 2},
			{SafetyModel: gateway.SafetySilent, SafetyParam: 0},
		},
		AlternativeExperience: 0x4,
	}
	if err := s.PutCarParams(want); err != nil {
		t.Fatalf("put car params: %v", err)
	}

	got, ok, err := s.GetCarParams()
	if err != nil || !ok {
		t.Fatalf("get car params: (%+v, %v, %v)", got, ok, err)
	}
	if len(got.SafetyConfigs) != 2 || got.SafetyConfigs[0].SafetyModel != gateway.SafetyHonda {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.AlternativeExperience != 0x4 {
		t.Errorf("alternative experience = %#x, want 0x4", got.AlternativeExperience)
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "params.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Put("key", []byte("first")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put("key", []byte("second")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _, err := s.Get("key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("got %q, want %q", got, "second")
	}
}
