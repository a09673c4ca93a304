package capture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Replayer plays a recorded session back at (optionally scaled) real
// time: each batch's target offset from session start is computed, and
// the difference between target and actual elapsed time is slept out.
type Replayer struct {
	Batches      []Batch
	Speed        float64
	CurrentBatch int
}

// LoadSession reads an entire newline-delimited session file produced
// by a Recorder.
func LoadSession(path string) (*Replayer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture session: %w", err)
	}
	defer f.Close()

	var batches []Batch
	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		var b Batch
		if err := dec.Decode(&b); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode capture batch: %w", err)
		}
		batches = append(batches, b)
	}

	return &Replayer{Batches: batches, Speed: 1.0}, nil
}

// SetSpeed sets the replay speed multiplier; invalid values reset to
// real-time.
func (r *Replayer) SetSpeed(speed float64) {
	if speed <= 0 {
		r.Speed = 1.0
		return
	}
	r.Speed = speed
}

// Play feeds each batch to handler at its recorded relative offset,
// scaled by Speed.
func (r *Replayer) Play(handler func(Batch)) error {
	if len(r.Batches) == 0 {
		return fmt.Errorf("no batches to replay")
	}

	start := time.Now()
	sessionStart := r.Batches[0].Timestamp

	for i, b := range r.Batches {
		r.CurrentBatch = i + 1

		target := b.Timestamp.Sub(sessionStart)
		adjusted := time.Duration(float64(target) / r.Speed)
		actual := time.Since(start)

		if actual < adjusted {
			time.Sleep(adjusted - actual)
		}

		handler(b)
	}
	return nil
}

// Progress returns the fraction of the session already played,
// counting the batch currently being handed to the Play handler.
func (r *Replayer) Progress() float64 {
	if len(r.Batches) == 0 {
		return 0
	}
	return float64(r.CurrentBatch) / float64(len(r.Batches))
}
