package capture

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/anodyne74/cangated/internal/gateway"
)

func TestRecorderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir)

	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !r.IsRunning() {
		t.Fatalf("expected recorder to be running")
	}

	batch := Batch{
		Timestamp: time.Now(),
		Frames: []gateway.Frame{
			{Address: 0x123, Data: []byte{1, 2, 3}, SourceBus: 0},
		},
	}
	if err := r.RecordBatch(batch); err != nil {
		t.Fatalf("record batch: %v", err)
	}

	path := r.Path()
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if r.IsRunning() {
		t.Fatalf("expected recorder to be stopped")
	}

	replayer, err := LoadSession(path)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if len(replayer.Batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(replayer.Batches))
	}
	if replayer.Batches[0].Frames[0].Address != 0x123 {
		t.Fatalf("frame address not round-tripped correctly")
	}
}

func TestRecorderDoubleStartFails(t *testing.T) {
	r := NewRecorder(t.TempDir())
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	if err := r.Start(); err == nil {
		t.Fatalf("expected second Start to fail while already running")
	}
}

func TestReplayerPlayVisitsAllBatches(t *testing.T) {
	now := time.Now()
	replayer := &Replayer{
		Speed: 1000, // fast-forward so the test doesn't really sleep
		Batches: []Batch{
			{Timestamp: now, Frames: []gateway.Frame{{Address: 1}}},
			{Timestamp: now.Add(5 * time.Millisecond), Frames: []gateway.Frame{{Address: 2}}},
		},
	}

	var seen []uint32
	if err := replayer.Play(func(b Batch) {
		seen = append(seen, b.Frames[0].Address)
	}); err != nil {
		t.Fatalf("play: %v", err)
	}

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("unexpected playback order: %v", seen)
	}
	if replayer.Progress() != 1.0 {
		t.Fatalf("expected full progress, got %v", replayer.Progress())
	}
}

func TestLoadSessionMissingFile(t *testing.T) {
	if _, err := LoadSession(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Fatalf("expected an error loading a missing session file")
	}
}
