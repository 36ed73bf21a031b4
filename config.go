package tuyalan

import (
	"time"

	"github.com/muurk/tuyalan/protocol"
)

// AddressAuto requests automatic address discovery via the UDP scanner.
const AddressAuto = "Auto"

// Default tunables. Connection, handshake, and response deadlines follow
// the device-side firmware behaviour; the queue bound protects the worker
// from runaway callers.
const (
	// DefaultTimeout is the connect deadline and per-request response deadline
	DefaultTimeout = 10 * time.Second

	// HandshakeTimeout bounds the 3.4/3.5 session key negotiation
	HandshakeTimeout = 5 * time.Second

	// KeepaliveInterval is the read-idle interval after which a heartbeat is sent
	KeepaliveInterval = 10 * time.Second

	// KeepaliveDeadline demotes the connection after two unanswered heartbeats
	KeepaliveDeadline = 25 * time.Second

	// DefaultQueueSize bounds commands queued while the device is not online
	DefaultQueueSize = 256

	// DevicePort is the TCP control port Tuya devices listen on
	DevicePort = 6668
)

// DeviceConfig carries the immutable per-connection parameters for one
// device. The zero value is not usable; ID is mandatory, and LocalKey may
// be empty only when Version is VersionAuto (scan-only use).
type DeviceConfig struct {
	// ID is the Tuya device id (20 or 22 characters)
	ID string

	// Address is the device IP, or AddressAuto/"" for UDP discovery
	Address string

	// LocalKey is the 16-byte symmetric key provisioned by the Tuya cloud
	LocalKey string

	// Version is the LAN protocol version; VersionAuto probes
	Version protocol.Version

	// DevType selects the payload dialect; DevTypeAuto infers device22
	// from a 22-character id
	DevType protocol.DevType

	// Persist keeps the TCP session open while idle and reconnects with
	// backoff on loss. When false the worker dials on demand and lets an
	// idle connection drop without retrying.
	Persist bool

	// Timeout is the connect and per-request response deadline
	// (DefaultTimeout when zero)
	Timeout time.Duration

	// Nowait makes command methods resolve on dispatch instead of waiting
	// for the device's reply
	Nowait bool
}

// Validate checks the configuration for caller errors.
func (c *DeviceConfig) Validate() error {
	if c.ID == "" {
		return NewInvalidConfigError("device id is required")
	}
	if len(c.LocalKey) != 16 && len(c.LocalKey) != 0 {
		return NewInvalidConfigError("local key must be 16 bytes")
	}
	if c.LocalKey == "" && c.Version != protocol.VersionAuto {
		return NewInvalidConfigError("local key is required for a pinned protocol version")
	}
	if c.Version > protocol.Version35 {
		return NewInvalidConfigError("unsupported protocol version")
	}
	if c.Timeout < 0 {
		return NewInvalidConfigError("timeout must not be negative")
	}
	return nil
}

// normalized returns a copy with defaults applied and DevTypeAuto resolved.
func (c DeviceConfig) normalized() DeviceConfig {
	if c.Address == "" {
		c.Address = AddressAuto
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.DevType == protocol.DevTypeAuto {
		if len(c.ID) == protocol.Device22IDLength {
			c.DevType = protocol.DevTypeDevice22
		} else {
			c.DevType = protocol.DevTypeDefault
		}
	}
	return c
}

// Key returns the local key as bytes.
func (c *DeviceConfig) Key() []byte {
	return []byte(c.LocalKey)
}

// connEqual reports whether two configs describe the same connection.
// Differences in these fields force a reconnect on reconfigure; Persist,
// Timeout, and Nowait are per-handle knobs applied in place.
func (c DeviceConfig) connEqual(o DeviceConfig) bool {
	return c.ID == o.ID &&
		c.Address == o.Address &&
		c.LocalKey == o.LocalKey &&
		c.Version == o.Version &&
		c.DevType == o.DevType
}
