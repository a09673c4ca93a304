// Command cangate-query inspects a running or stopped daemon's
// on-disk parameter store and audit log without touching hardware.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/anodyne74/cangated/internal/audit"
	"github.com/anodyne74/cangated/internal/paramstore"
)

func main() {
	paramStorePath := flag.String("paramstore", "/tmp/cangated-params.db", "path to the param store db")
	auditLogPath := flag.String("auditlog", "/tmp/cangated-audit.db", "path to the audit log db")
	recentN := flag.Int("recent", 20, "number of recent audit events to print")
	flag.Parse()

	if len(flag.Args()) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cangate-query [-paramstore path] [-auditlog path] <carparams|audit>")
		os.Exit(2)
	}

	switch flag.Arg(0) {
	case "carparams":
		queryCarParams(*paramStorePath)
	case "audit":
		queryAudit(*auditLogPath, *recentN)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", flag.Arg(0))
		os.Exit(2)
	}
}

func queryCarParams(path string) {
	store, err := paramstore.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open param store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	cp, ok, err := store.GetCarParams()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read CarParams: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("no CarParams stored")
		return
	}

	fmt.Printf("alternative_experience: %#04x\n", cp.AlternativeExperience)
	for i, sc := range cp.SafetyConfigs {
		fmt.Printf("safety_configs[%d]: model=%s param=%d\n", i, sc.SafetyModel, sc.SafetyParam)
	}
}

func queryAudit(path string, n int) {
	log, err := audit.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open audit log: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	events, err := log.Recent(n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read recent events: %v\n", err)
		os.Exit(1)
	}

	for _, e := range events {
		fmt.Printf("%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02T15:04:05"), e.Kind, e.Serial, e.Detail)
	}
}
