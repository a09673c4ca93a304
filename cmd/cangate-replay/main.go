// Command cangate-replay plays back a captured CAN session against a
// simulated gateway fleet at a configurable speed, publishing each
// batch onto the bus the same way the live Receive Loop would.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/anodyne74/cangated/internal/bus"
	"github.com/anodyne74/cangated/internal/capture"
	"github.com/anodyne74/cangated/internal/gateway"
)

func main() {
	speed := flag.Float64("speed", 1.0, "playback speed multiplier")
	flag.Parse()

	if len(flag.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cangate-replay [-speed N] <session.jsonl>")
		os.Exit(2)
	}

	replayer, err := capture.LoadSession(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load session: %v\n", err)
		os.Exit(1)
	}
	replayer.SetSpeed(*speed)

	b := bus.New()
	fleetGateway := gateway.NewSimulated("REPLAY", gateway.HardwareUSBBridge, 0, false, false)

	fmt.Printf("replaying %d batches at %gx\n", len(replayer.Batches), *speed)

	start := time.Now()
	err = replayer.Play(func(batch capture.Batch) {
		fleetGateway.QueueReceive(batch.Frames...)
		b.Publish(bus.TopicCAN, bus.CANMsg{Valid: true, Frames: batch.Frames, Timestamp: batch.Timestamp})
		fmt.Printf("\r%5.1f%% complete", replayer.Progress()*100)
	})
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "playback error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("done in %s\n", time.Since(start))
}
