package tuyalan

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/muurk/tuyalan/internal/logging"
	"github.com/muurk/tuyalan/internal/tuyacrypto"
	"github.com/muurk/tuyalan/protocol"
)

// Discovery defaults. Devices announce themselves roughly once per second;
// the generous default window tolerates devices that pause announcements
// while a phone app holds their socket.
const (
	DefaultScanTimeout = 18 * time.Second
	DefaultBindAddr    = "0.0.0.0"
)

// DefaultScanPorts are the UDP ports devices announce on: 6666 carries
// AES-ECB encrypted beacons, 6667 plain JSON, 7000 AES-GCM gateway beacons.
var DefaultScanPorts = []int{6666, 6667, 7000}

// DiscoveryResult describes one device seen on the local network.
type DiscoveryResult struct {
	// ID is the device id the beacon announced
	ID string

	// IP is the device's LAN address
	IP string

	// GwID is the gateway id field of the beacon (usually equals ID)
	GwID string

	// ProductID is the Tuya product key, when announced
	ProductID string

	// Version is the announced protocol version string ("3.3", ...)
	Version string

	// Encrypted reports whether the device's control channel is encrypted
	Encrypted bool
}

// beacon is the JSON schema of a discovery announcement.
type beacon struct {
	IP         string `json:"ip"`
	GwID       string `json:"gwId"`
	DevID      string `json:"devId"`
	Active     int    `json:"active"`
	Ability    int    `json:"ability"`
	Mode       int    `json:"mode"`
	Encrypt    bool   `json:"encrypt"`
	ProductKey string `json:"productKey"`
	Version    string `json:"version"`
}

// Scanner listens for UDP discovery beacons on the local network.
//
// The zero value is not usable; NewScanner applies the defaults. Fields
// may be adjusted before the first call to Scan or ScanStream.
type Scanner struct {
	// Timeout is how long one scan listens (DefaultScanTimeout if zero)
	Timeout time.Duration

	// BindAddr is the local listen address (DefaultBindAddr if empty)
	BindAddr string

	// Ports are the UDP ports to listen on (DefaultScanPorts if empty)
	Ports []int
}

// NewScanner creates a scanner with default settings.
func NewScanner() *Scanner {
	return &Scanner{
		Timeout:  DefaultScanTimeout,
		BindAddr: DefaultBindAddr,
		Ports:    append([]int(nil), DefaultScanPorts...),
	}
}

// Scan listens until the timeout and returns every distinct device heard,
// in arrival order.
func (s *Scanner) Scan(ctx context.Context) ([]DiscoveryResult, error) {
	stream, err := s.ScanStream(ctx)
	if err != nil {
		return nil, err
	}
	var results []DiscoveryResult
	for res := range stream {
		results = append(results, res)
	}
	logging.Info("Scan finished", zap.Int("devices", len(results)))
	return results, nil
}

// ScanStream yields discovery results as beacons arrive. The channel is
// closed when the timeout elapses or ctx is cancelled. Duplicate
// announcements of the same device id are suppressed.
func (s *Scanner) ScanStream(ctx context.Context) (<-chan DiscoveryResult, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	bind := s.BindAddr
	if bind == "" {
		bind = DefaultBindAddr
	}
	ports := s.Ports
	if len(ports) == 0 {
		ports = DefaultScanPorts
	}

	type listener struct {
		conn net.PacketConn
		port int
	}
	var listeners []listener
	for _, port := range ports {
		conn, err := net.ListenPacket("udp4", net.JoinHostPort(bind, strconv.Itoa(port)))
		if err != nil {
			logging.Warn("Cannot listen for beacons",
				zap.Int("port", port), zap.Error(err))
			continue
		}
		listeners = append(listeners, listener{conn: conn, port: port})
	}
	if len(listeners) == 0 {
		return nil, NewInvalidConfigError("no discovery port could be bound")
	}

	deadline := time.Now().Add(timeout)
	out := make(chan DiscoveryResult, 16)

	var (
		seenMu sync.Mutex
		seen   = make(map[string]bool)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			defer l.conn.Close()
			buf := make([]byte, 4096)
			_ = l.conn.SetReadDeadline(deadline)
			for {
				n, addr, err := l.conn.ReadFrom(buf)
				if err != nil {
					// Deadline or cancellation close; either way we are done.
					return nil
				}
				res := parseBeacon(l.port, buf[:n])
				if res == nil {
					logging.Debug("Unparseable beacon",
						zap.Int("port", l.port), zap.String("from", addr.String()))
					continue
				}

				seenMu.Lock()
				dup := seen[res.ID]
				seen[res.ID] = true
				seenMu.Unlock()
				if dup {
					continue
				}

				logging.Info("Device discovered",
					zap.String("device_id", res.ID),
					zap.String("ip", res.IP),
					zap.String("version", res.Version),
					zap.Int("port", l.port))
				select {
				case out <- *res:
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	// Unblock the readers early on cancellation.
	go func() {
		select {
		case <-ctx.Done():
			for _, l := range listeners {
				_ = l.conn.SetReadDeadline(time.Now())
			}
		case <-time.After(time.Until(deadline)):
		}
	}()

	go func() {
		_ = g.Wait()
		close(out)
	}()

	return out, nil
}

// beaconCodecs returns frame codecs to try for a given beacon port, most
// likely first. The 3.3-style codec also handles plain JSON payloads.
func beaconCodecs(port int) []*protocol.Codec {
	legacy := protocol.NewCodec(protocol.Version33, protocol.DevTypeDefault, tuyacrypto.UDPKey())
	gateway := protocol.NewCodec(protocol.Version35, protocol.DevTypeDefault, tuyacrypto.GatewayBeaconKey())
	if port == 7000 {
		return []*protocol.Codec{gateway, legacy}
	}
	return []*protocol.Codec{legacy, gateway}
}

// parseBeacon decodes one datagram into a DiscoveryResult, or nil.
func parseBeacon(port int, data []byte) *DiscoveryResult {
	// Bare JSON first: some firmwares skip framing entirely.
	if len(data) > 0 && data[0] == '{' {
		return parseBeaconJSON(data)
	}

	for _, codec := range beaconCodecs(port) {
		f, _, err := codec.Decode(data)
		if err != nil || f == nil {
			continue
		}
		if res := parseBeaconJSON(f.Payload); res != nil {
			return res
		}
	}
	return nil
}

// parseBeaconJSON extracts device fields from a beacon body.
func parseBeaconJSON(raw []byte) *DiscoveryResult {
	var b beacon
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	id := b.GwID
	if id == "" {
		id = b.DevID
	}
	if id == "" || b.IP == "" {
		return nil
	}
	return &DiscoveryResult{
		ID:        id,
		IP:        b.IP,
		GwID:      b.GwID,
		ProductID: b.ProductKey,
		Version:   b.Version,
		Encrypted: b.Encrypt,
	}
}

// Process-global discovery cache shared by Discover and the workers'
// address resolution. Entries expire so devices that moved get found again.
const discoveryCacheTTL = 30 * time.Minute

type discoveryCacheEntry struct {
	res DiscoveryResult
	at  time.Time
}

var (
	discoveryMu    sync.Mutex
	discoveryCache = make(map[string]discoveryCacheEntry)

	// scanGate serializes whole-network scans so concurrent resolvers do
	// not fight over the beacon ports.
	scanGate sync.Mutex
)

// Discover finds a single device by id. It answers from the shared cache
// when a recent beacon is known, otherwise it scans and returns the first
// matching announcement, or nil after the scan window closes.
func Discover(ctx context.Context, id string) (*DiscoveryResult, error) {
	if res := cachedDiscovery(id); res != nil {
		return res, nil
	}

	scanGate.Lock()
	defer scanGate.Unlock()

	// A concurrent scan may have found it while we waited for the gate.
	if res := cachedDiscovery(id); res != nil {
		return res, nil
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := NewScanner().ScanStream(sctx)
	if err != nil {
		return nil, err
	}

	var found *DiscoveryResult
	for res := range stream {
		storeDiscovery(res)
		if res.ID == id && found == nil {
			match := res
			found = &match
			// Stop the listeners; the deferred cancel alone would wait
			// for the full scan window.
			cancel()
		}
	}
	return found, nil
}

func cachedDiscovery(id string) *DiscoveryResult {
	discoveryMu.Lock()
	defer discoveryMu.Unlock()
	entry, ok := discoveryCache[id]
	if !ok || time.Since(entry.at) > discoveryCacheTTL {
		return nil
	}
	res := entry.res
	return &res
}

func storeDiscovery(res DiscoveryResult) {
	discoveryMu.Lock()
	defer discoveryMu.Unlock()
	discoveryCache[res.ID] = discoveryCacheEntry{res: res, at: time.Now()}
}

// invalidateDiscovery drops a cached address, forcing a fresh scan. Workers
// call this when a discovered address stops accepting connections.
func invalidateDiscovery(id string) {
	discoveryMu.Lock()
	defer discoveryMu.Unlock()
	delete(discoveryCache, id)
}
