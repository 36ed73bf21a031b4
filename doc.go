// Package tuyalan controls Tuya smart devices over the local network,
// without any cloud dependency.
//
// It speaks the proprietary Tuya LAN protocol (versions 3.1, 3.3, 3.4, 3.5
// and the device22 dialect) over TCP port 6668, and discovers devices via
// their UDP broadcast beacons on ports 6666, 6667, and 7000.
//
// # Handles and workers
//
// Callers interact with devices through Handles. Behind every handle one
// background worker owns the TCP session: it connects, runs the 3.4/3.5
// key negotiation, serializes outbound commands, correlates responses,
// sends heartbeats, and reconnects with jittered exponential backoff.
// Handles for the same device id share one worker through the process-wide
// registry.
//
//	h, err := tuyalan.NewDevice(tuyalan.DeviceConfig{
//	    ID:       "eb0123456789abcdefgh",
//	    Address:  "192.168.1.40",
//	    LocalKey: "0123456789abcdef",
//	    Version:  protocol.Version33,
//	    Persist:  true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close()
//
//	resp, err := h.SetValue(ctx, 1, true) // turn DP 1 on
//
// # Listening
//
// Devices push status changes spontaneously. Listener returns a bounded
// subscription receiving every inbound frame, including synthesised
// connection events; slow consumers lose the oldest frames and see a
// LagError:
//
//	sub := h.Listener()
//	defer sub.Close()
//	for {
//	    f, err := sub.Recv(ctx)
//	    ...
//	}
//
// # Discovery
//
// Scanner listens for device beacons; Discover finds one device by id:
//
//	results, err := tuyalan.NewScanner().Scan(ctx)
//
// Payloads cross the API as opaque JSON strings: the library transports
// data points, it does not interpret them.
package tuyalan
