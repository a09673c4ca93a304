// Package capture records and replays raw CAN frame batches. Sessions
// are newline-delimited JSON files of payload-opaque frame batches, so
// they can be streamed in and out without loading a whole session into
// memory and without decoding any CAN signals.
package capture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anodyne74/cangated/internal/bus"
	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/anodyne74/cangated/internal/state"
)

// Batch is one recorded line: a CAN Receive Loop tick's frames, with
// the wall-clock time they were published.
type Batch struct {
	Timestamp time.Time       `json:"timestamp"`
	Frames    []gateway.Frame `json:"frames"`
}

// Recorder streams CAN batches to a session file as newline-delimited
// JSON, one Batch per line, so a session can be inspected or replayed
// without loading the whole file into memory.
type Recorder struct {
	Dir string

	mu      sync.Mutex
	running bool
	file    *os.File
	w       *bufio.Writer
	enc     *json.Encoder
	path    string
}

// NewRecorder constructs a Recorder that writes session files under dir.
func NewRecorder(dir string) *Recorder {
	return &Recorder{Dir: dir}
}

// Start begins a new session file named after the current time.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("recorder is already running")
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return fmt.Errorf("create capture directory: %w", err)
	}

	path := filepath.Join(r.Dir, fmt.Sprintf("session_%s.jsonl", time.Now().Format("20060102_150405")))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create capture file: %w", err)
	}

	r.file = f
	r.w = bufio.NewWriter(f)
	r.enc = json.NewEncoder(r.w)
	r.path = path
	r.running = true
	return nil
}

// RecordBatch streams one batch to the open session file.
func (r *Recorder) RecordBatch(b Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return fmt.Errorf("recorder is not running")
	}
	return r.enc.Encode(b)
}

// Stop flushes and closes the session file.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return fmt.Errorf("recorder is not running")
	}
	r.running = false
	if err := r.w.Flush(); err != nil {
		r.file.Close()
		return fmt.Errorf("flush capture file: %w", err)
	}
	return r.file.Close()
}

// IsRunning reports whether a session is currently open.
func (r *Recorder) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Path returns the current session file's path, or "" if none is open.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// RecordLoop is the fleet.Activity that drives a Recorder from the
// "can" bus topic, for daemon configurations with capture enabled.
type RecordLoop struct {
	Bus      *bus.Bus
	Recorder *Recorder
}

// NewRecordLoop constructs a RecordLoop writing batches from b into rec.
func NewRecordLoop(b *bus.Bus, rec *Recorder) *RecordLoop {
	return &RecordLoop{Bus: b, Recorder: rec}
}

// Run implements fleet.Activity.
func (l *RecordLoop) Run(fleet []gateway.Gateway, shared *state.Shared) {
	sub := l.Bus.Subscribe(bus.TopicCAN, 32)
	defer sub.Close()

	if err := l.Recorder.Start(); err != nil {
		return
	}
	defer l.Recorder.Stop()

	for {
		if shared.ShuttingDown() {
			return
		}
		msg, ok := sub.Receive(200 * time.Millisecond)
		if !ok {
			continue
		}
		can, ok := msg.(bus.CANMsg)
		if !ok || !can.Valid {
			continue
		}
		_ = l.Recorder.RecordBatch(Batch{Timestamp: can.Timestamp, Frames: can.Frames})
	}
}
