package gateway

import (
	"os"
	"path/filepath"
	"strings"
)

// USBEnumerator discovers gateways presented as USB-serial CDC-ACM
// devices under a glob of device nodes.
type USBEnumerator struct {
	// Glob matches device nodes to probe, e.g. "/dev/serial/by-id/*".
	Glob string
}

// NewUSBEnumerator returns an enumerator scanning the conventional
// by-id serial device directory.
func NewUSBEnumerator() *USBEnumerator {
	return &USBEnumerator{Glob: "/dev/serial/by-id/*"}
}

func (e *USBEnumerator) Enumerate(includeDisconnected bool) ([]Descriptor, error) {
	paths, err := filepath.Glob(e.Glob)
	if err != nil {
		return nil, err
	}

	var out []Descriptor
	for _, p := range paths {
		if !includeDisconnected {
			if _, err := os.Stat(p); err != nil {
				continue
			}
		}
		serial := deriveSerial(p)
		hw := HardwareUSBBridge
		if strings.Contains(strings.ToLower(p), "internal") {
			hw = HardwareInternal
		}
		out = append(out, Descriptor{
			Serial:    serial,
			HwType:    hw,
			HasRTC:    true,
			HasGPS:    false,
			DevPath:   p,
			Transport: "usb-serial",
		})
	}
	return out, nil
}

// deriveSerial extracts a stable serial string from a by-id device
// path's basename.
func deriveSerial(devPath string) string {
	base := filepath.Base(devPath)
	if idx := strings.LastIndex(base, "-if"); idx > 0 {
		base = base[:idx]
	}
	return base
}
