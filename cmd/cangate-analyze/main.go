// Command cangate-analyze loads a captured CAN session and prints its
// frame-rate, bus-load, and per-ID summary as JSON, without decoding
// any CAN signal payloads. A session holds frames only, so the report
// carries no fault events.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/anodyne74/cangated/internal/analysis"
	"github.com/anodyne74/cangated/internal/capture"
)

func main() {
	flag.Parse()
	if len(flag.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cangate-analyze <session.jsonl>")
		os.Exit(2)
	}

	replayer, err := capture.LoadSession(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load session: %v\n", err)
		os.Exit(1)
	}

	report := analysis.NewAnalyzer(replayer.Batches).Analyze()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		os.Exit(1)
	}
}
