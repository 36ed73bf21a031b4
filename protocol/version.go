package protocol

import "fmt"

// Version is a LAN protocol version. VersionAuto selects probing: the
// device worker starts at 3.3 and steps through the remaining versions
// until one decodes cleanly.
type Version uint8

const (
	VersionAuto Version = iota
	Version31
	Version33
	Version34
	Version35
)

// ParseVersion converts a version string ("3.1", "3.3", "3.4", "3.5",
// "Auto" or "") into a Version.
func ParseVersion(s string) (Version, error) {
	switch s {
	case "", "Auto", "auto":
		return VersionAuto, nil
	case "3.1":
		return Version31, nil
	case "3.3":
		return Version33, nil
	case "3.4":
		return Version34, nil
	case "3.5":
		return Version35, nil
	default:
		return VersionAuto, fmt.Errorf("unsupported protocol version %q", s)
	}
}

// String returns the wire spelling of the version
func (v Version) String() string {
	switch v {
	case Version31:
		return "3.1"
	case Version33:
		return "3.3"
	case Version34:
		return "3.4"
	case Version35:
		return "3.5"
	default:
		return "Auto"
	}
}

// headerBytes returns the 3-byte version prefix used in payload headers.
func (v Version) headerBytes() []byte {
	return []byte(v.String())
}

// hasSession reports whether the version negotiates a session key.
func (v Version) hasSession() bool {
	return v == Version34 || v == Version35
}

// HasSession reports whether the version requires the key negotiation
// handshake before entering normal operation.
func (v Version) HasSession() bool {
	return v.hasSession()
}

// DevType selects the payload dialect. Most devices use DevTypeDefault;
// some 22-character-id devices ("device22") reject DpQuery and need the
// DpQueryNew dialect with a null data point filler.
type DevType uint8

const (
	DevTypeAuto DevType = iota
	DevTypeDefault
	DevTypeDevice22
)

// String returns a human-readable name for the device type
func (d DevType) String() string {
	switch d {
	case DevTypeDefault:
		return "default"
	case DevTypeDevice22:
		return "device22"
	default:
		return "auto"
	}
}

// Device22IDLength is the device id length that implies DevTypeDevice22
// when the configured type is DevTypeAuto.
const Device22IDLength = 22
