// Command cangated is the vehicle interface daemon: it opens the
// gateway fleet and runs the Health Loop, CAN Receive/Send Loops, the
// Peripheral Controller, the capture recorder, the telemetry archiver,
// and the debug server as supervised activities until shutdown.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anodyne74/cangated/internal/audit"
	"github.com/anodyne74/cangated/internal/bus"
	"github.com/anodyne74/cangated/internal/canbus"
	"github.com/anodyne74/cangated/internal/capture"
	"github.com/anodyne74/cangated/internal/config"
	"github.com/anodyne74/cangated/internal/debugserver"
	"github.com/anodyne74/cangated/internal/fleet"
	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/anodyne74/cangated/internal/health"
	"github.com/anodyne74/cangated/internal/paramstore"
	"github.com/anodyne74/cangated/internal/peripheral"
	"github.com/anodyne74/cangated/internal/safety"
	"github.com/anodyne74/cangated/internal/state"
	"github.com/anodyne74/cangated/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "/etc/cangated/config.yaml", "path to the daemon's YAML config file")
	flag.Parse()

	logger := log.New(os.Stderr, "cangated: ", log.LstdFlags)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Printf("warning: %v, using defaults", err)
		cfg = config.Default()
	}

	// Environment overrides take precedence over the config file, so a
	// test harness can flip them without editing the deployed config.
	spoofing := cfg.Runtime.Spoofing || os.Getenv("STARTED") != ""
	fakeSend := cfg.Runtime.FakeSend || os.Getenv("FAKESEND") != ""
	fanControl := !cfg.Runtime.NoFanControl && os.Getenv("NO_FAN_CONTROL") == ""

	shared := state.New()

	var enumerator gateway.Enumerator
	if cfg.Fleet.Simulated {
		enumerator = gateway.NewSimulatedEnumerator()
	} else {
		enumerator = &gateway.USBEnumerator{Glob: cfg.Fleet.USBGlob}
		if len(cfg.Fleet.SocketCAN) > 0 {
			enumerator = &gateway.MultiEnumerator{Enumerators: []gateway.Enumerator{
				enumerator,
				&gateway.SocketCANEnumerator{Interfaces: cfg.Fleet.SocketCAN},
			}}
		}
	}

	// Constructed before Open so a failed-open retry has somewhere to
	// publish its empty health/peripheral messages.
	b := bus.New()

	mgr := fleet.NewManager(enumerator, cfg.Fleet.RequiredSerials, shared, log.New(os.Stderr, "fleet: ", log.LstdFlags))
	mgr.Loopback = os.Getenv("BOARDD_LOOPBACK") != ""
	mgr.OnFailedOpen = func() {
		b.Publish(bus.TopicPandaStates, bus.PandaStatesMsg{Valid: false, Timestamp: time.Now()})
		b.Publish(bus.TopicPeripheralState, bus.PeripheralStateMsg{Timestamp: time.Now()})
	}

	ok, err := mgr.Open()
	if err != nil {
		logger.Fatalf("fleet open failed: %v", err)
	}
	if !ok {
		logger.Printf("no gateways present, exiting cleanly")
		os.Exit(0)
	}

	params, err := paramstore.Open(cfg.Datastore.ParamStorePath)
	if err != nil {
		logger.Fatalf("open param store: %v", err)
	}
	defer params.Close()

	auditLog, err := audit.Open(cfg.Datastore.AuditLogPath)
	if err != nil {
		logger.Fatalf("open audit log: %v", err)
	}
	defer auditLog.Close()
	if err := auditLog.Record(audit.EventFleetOpened, "", ""); err != nil {
		logger.Printf("audit record failed: %v", err)
	}

	handshake := safety.NewHandshake(params, shared)
	handshake.Audit = auditLog
	healthLoop := health.NewLoop(b, params, enumerator, newSysfsSensors(), handshake, spoofing)
	receiveLoop := canbus.NewReceiveLoop(b)
	sendLoop := canbus.NewSendLoop(b, fakeSend)
	peripheralCtl := peripheral.NewController(b, fanControl)
	peripheralCtl.IRThresholds = peripheral.HardwareIRThresholds{
		Cutoff:     cfg.Peripheral.IRCutoff,
		Saturation: cfg.Peripheral.IRSaturation,
	}

	activities := []fleet.Activity{healthLoop, receiveLoop, sendLoop, peripheralCtl}

	if cfg.Capture.Enabled {
		recorder := capture.NewRecorder(cfg.Capture.Dir)
		activities = append(activities, capture.NewRecordLoop(b, recorder))
	}

	if cfg.Datastore.InfluxDB.Enabled {
		archiver, err := telemetry.NewArchiver(
			cfg.Datastore.InfluxDB.URL,
			cfg.Datastore.InfluxDB.Token,
			cfg.Datastore.InfluxDB.Org,
			cfg.Datastore.InfluxDB.Bucket,
		)
		if err != nil {
			logger.Printf("telemetry disabled: %v", err)
		} else {
			defer archiver.Close()
			activities = append(activities, telemetry.NewLoop(b, archiver))
		}
	}

	if cfg.DebugServer.Enabled {
		addr := cfg.DebugServer.Host + ":" + strconv.Itoa(cfg.DebugServer.Port)
		activities = append(activities, debugserver.NewServer(b, addr))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received %v, shutting down", sig)
		shared.Shutdown()
	}()

	mgr.Run(activities...)
	logger.Printf("shutdown complete")
}

// sysfsSensors implements health.PlatformSensors from the kernel's
// power-supply class: the host battery/charger exposes voltage_now and
// current_now in microvolts/microamps under /sys/class/power_supply.
// The first supply exposing voltage_now is used; a host with no such
// supply reads as zero.
type sysfsSensors struct {
	mu  sync.Mutex
	dir string
}

func newSysfsSensors() *sysfsSensors {
	return &sysfsSensors{}
}

func (s *sysfsSensors) supplyDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir != "" {
		return s.dir
	}
	matches, err := filepath.Glob("/sys/class/power_supply/*/voltage_now")
	if err != nil || len(matches) == 0 {
		return ""
	}
	s.dir = filepath.Dir(matches[0])
	return s.dir
}

func (s *sysfsSensors) VoltageVolts() float32 {
	return readMicroUnits(s.supplyDir(), "voltage_now")
}

func (s *sysfsSensors) CurrentAmps() float32 {
	return readMicroUnits(s.supplyDir(), "current_now")
}

func readMicroUnits(dir, name string) float32 {
	if dir == "" {
		return 0
	}
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return float32(v) / 1e6
}
