package gateway

import "sort"

// Descriptor is what enumeration yields before a device is opened: just
// enough to order the fleet and dispatch to a transport.
type Descriptor struct {
	Serial    string
	HwType    HardwareType
	HasRTC    bool
	HasGPS    bool
	DevPath   string // USB device node, or SocketCAN interface name
	Transport string // "usb-serial", "socketcan", or "simulated"
}

// Enumerator discovers present gateways. The production implementation
// scans USB/SocketCAN; tests substitute a fixed list.
type Enumerator interface {
	Enumerate(includeDisconnected bool) ([]Descriptor, error)
}

// Order sorts descriptors into fleet order: the internal gateway (if
// present) first, then the rest by hardware-type enum order and then by
// serial string lexicographically. It returns a new slice; the input is
// left untouched.
func Order(descs []Descriptor) []Descriptor {
	out := make([]Descriptor, len(descs))
	copy(out, descs)

	sort.SliceStable(out, func(i, j int) bool {
		iInternal := out[i].HwType == HardwareInternal
		jInternal := out[j].HwType == HardwareInternal
		if iInternal != jInternal {
			return iInternal
		}
		if out[i].HwType != out[j].HwType {
			return out[i].HwType < out[j].HwType
		}
		return out[i].Serial < out[j].Serial
	})
	return out
}

// Open dispatches to the concrete transport named by d.Transport,
// assigning position in the fleet.
func Open(d Descriptor, position int) (Gateway, error) {
	switch d.Transport {
	case "socketcan":
		return OpenSocketCAN(d.DevPath, d.Serial, d.HwType, position, d.HasRTC, d.HasGPS)
	case "simulated":
		return NewSimulated(d.Serial, d.HwType, position, d.HasRTC, d.HasGPS), nil
	default:
		return OpenUSBSerial(d.DevPath, d.Serial, d.HwType, position, d.HasRTC, d.HasGPS)
	}
}

// SocketCANEnumerator yields one descriptor per configured native CAN
// interface name. SocketCAN interfaces cannot be probed for identity
// the way USB devices can, so the serial is derived from the interface
// name itself.
type SocketCANEnumerator struct {
	Interfaces []string
}

func (e *SocketCANEnumerator) Enumerate(includeDisconnected bool) ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(e.Interfaces))
	for _, ifname := range e.Interfaces {
		out = append(out, Descriptor{
			Serial:    "socketcan-" + ifname,
			HwType:    HardwareSocketCAN,
			DevPath:   ifname,
			Transport: "socketcan",
		})
	}
	return out, nil
}

// MultiEnumerator concatenates the results of several enumerators, for
// mixed fleets (e.g. USB-serial gateways plus a native CAN interface).
type MultiEnumerator struct {
	Enumerators []Enumerator
}

func (e *MultiEnumerator) Enumerate(includeDisconnected bool) ([]Descriptor, error) {
	var out []Descriptor
	for _, inner := range e.Enumerators {
		descs, err := inner.Enumerate(includeDisconnected)
		if err != nil {
			return nil, err
		}
		out = append(out, descs...)
	}
	return out, nil
}
