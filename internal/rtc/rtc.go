// Package rtc implements gateway RTC synchronization in both
// directions: setting the host clock from a gateway's onboard clock
// when the host clock is clearly wrong, and writing the host clock
// back to the gateway when the two have drifted apart.
package rtc

import (
	"log"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/anodyne74/cangated/internal/gateway"
)

// DriftThreshold is the minimum skew that triggers a to-gateway
// write-back. Below this, the gateway's RTC is left alone.
const DriftThreshold = 1100 * time.Millisecond

// MinValidYear bounds the clock-validity check from below: an instant
// before this year cannot be a real current time.
const MinValidYear = 2020

var logger = log.New(os.Stderr, "rtc: ", log.LstdFlags)

func validTime(t time.Time) bool {
	return t.Year() >= MinValidYear
}

// ReadFromGateway implements the from-gateway direction: if the host
// clock looks invalid and the gateway's RTC looks valid, the host
// clock is set from the gateway. The Fleet Manager calls this exactly
// once per successful open.
func ReadFromGateway(g gateway.Gateway) error {
	if !g.HasRTC() {
		return nil
	}
	skew, err := g.GetRTC()
	if err != nil {
		return err
	}
	if validTime(skew.Host) || !validTime(skew.Gateway) {
		return nil
	}
	if err := setHostClock(skew.Gateway); err != nil {
		return err
	}
	logger.Printf("system time invalid, set from %s rtc: %s", g.Serial(), skew.Gateway)
	return nil
}

// SyncToGateway compares the gateway's RTC against the host clock and,
// if the host clock looks valid and the drift exceeds DriftThreshold,
// writes the host's current time to the gateway. It is the Peripheral
// Controller's once-a-minute offroad action.
func SyncToGateway(g gateway.Gateway) {
	if g == nil || !g.HasRTC() {
		return
	}

	skew, err := g.GetRTC()
	if err != nil {
		logger.Printf("read rtc from %s: %v", g.Serial(), err)
		return
	}
	if !validTime(skew.Host) {
		return
	}

	delta := skew.Delta
	if delta < 0 {
		delta = -delta
	}
	if delta < DriftThreshold {
		return
	}

	now := time.Now()
	if err := g.SetRTC(gateway.RTCSkew{Host: now, Gateway: now}); err != nil {
		logger.Printf("write rtc to %s: %v", g.Serial(), err)
		return
	}
	logger.Printf("corrected rtc drift of %s on %s", delta, g.Serial())
}

// setHostClock sets the system clock via settimeofday(2).
func setHostClock(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Settimeofday(&tv)
}
