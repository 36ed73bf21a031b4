package tuyalan

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/muurk/tuyalan/protocol"
)

// Handle is the caller-facing side of one device. Handles are cheap: any
// number of them may point at the same shared worker, and every method is
// safe for concurrent use.
//
// Command methods follow the configured dispatch semantics. With nowait
// false (the default) they block until the device's matching response
// arrives and return its JSON payload. With nowait true they return an
// empty payload as soon as the frame reaches the socket; responses and
// failures are then observed through Listener.
type Handle struct {
	w        *worker
	registry *Registry
	id       string

	nowait  atomic.Bool
	timeout time.Duration
	closed  atomic.Bool
}

// NewDevice returns a handle for the device described by cfg, creating the
// shared connection worker if this is the first handle for the id.
// Equivalent to DefaultRegistry().GetOrCreate(cfg).
func NewDevice(cfg DeviceConfig) (*Handle, error) {
	return DefaultRegistry().GetOrCreate(cfg)
}

// ID returns the device id.
func (h *Handle) ID() string { return h.id }

// Connected reports whether the worker currently holds an online session.
func (h *Handle) Connected() bool { return h.w.online.Load() }

// Version returns the protocol version the worker is currently speaking.
// For auto-detecting devices this changes while probing and settles once a
// frame decodes cleanly.
func (h *Handle) Version() protocol.Version {
	return protocol.Version(h.w.versionNow.Load())
}

// SetNowait switches this handle between response-ack (false) and
// dispatch-ack (true) semantics.
func (h *Handle) SetNowait(nowait bool) { h.nowait.Store(nowait) }

// Status queries the device's data points.
func (h *Handle) Status(ctx context.Context) (string, error) {
	return h.request(ctx, protocol.CmdDpQuery, nil, "", "")
}

// SetValue sets a single data point.
func (h *Handle) SetValue(ctx context.Context, dp int, value any) (string, error) {
	return h.SetDPs(ctx, map[string]any{strconv.Itoa(dp): value})
}

// SetDPs sets multiple data points in one command.
func (h *Handle) SetDPs(ctx context.Context, dps map[string]any) (string, error) {
	return h.request(ctx, protocol.CmdDpControl, dps, "", "")
}

// Refresh asks the device to re-report data points that are only pushed on
// change (power readings and the like).
func (h *Handle) Refresh(ctx context.Context) (string, error) {
	return h.request(ctx, protocol.CmdDpRefresh, nil, "", "")
}

// Request sends an arbitrary command. data is marshalled into the
// command's JSON envelope (nil for none); cid routes to a sub-device.
func (h *Handle) Request(ctx context.Context, cmd protocol.Command, data any, cid string) (string, error) {
	return h.request(ctx, cmd, data, cid, "")
}

// Sub returns a handle for the sub-device with the given child id. The
// sub-handle shares this handle's worker and connection.
func (h *Handle) Sub(cid string) *SubHandle {
	return &SubHandle{parent: h, cid: cid}
}

// SubDiscover asks a gateway to report its attached sub-devices. The
// response schema varies between gateway firmwares; treat it as opaque.
func (h *Handle) SubDiscover(ctx context.Context) (string, error) {
	return h.request(ctx, protocol.CmdSubDevList, map[string]any{"cids": []any{}}, "", reqTypeSubDiscover)
}

// Listener subscribes to every inbound frame from the device, including
// spontaneous status pushes and synthesised connection events. Close the
// subscription when done.
func (h *Handle) Listener() *Subscription {
	return h.w.bus.subscribe()
}

// Close releases this handle's reference. The worker keeps running while
// other handles for the same id exist.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.registry.release(h.id)
	return nil
}

// request submits one command and applies the dispatch contract.
func (h *Handle) request(ctx context.Context, cmd protocol.Command, data any, cid, reqType string) (string, error) {
	if h.closed.Load() {
		return "", NewCancelledError(h.id, "handle closed")
	}

	deadline := time.Now().Add(h.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := newRequest(cmd, data, cid, reqType, h.nowait.Load(), deadline)
	if err := h.w.submit(req); err != nil {
		return "", err
	}

	select {
	case res := <-req.done:
		if res.err != nil {
			return "", res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		// The worker still completes the write to preserve wire
		// integrity; the response is discarded.
		return "", NewCancelledError(h.id, ctx.Err().Error())
	}
}

// SubHandle addresses one sub-device behind a gateway. It is a thin
// wrapper that prefills the child id; all transport state lives in the
// parent's worker.
type SubHandle struct {
	parent *Handle
	cid    string
}

// CID returns the sub-device child id.
func (s *SubHandle) CID() string { return s.cid }

// Status queries the sub-device's data points.
func (s *SubHandle) Status(ctx context.Context) (string, error) {
	return s.parent.request(ctx, protocol.CmdSubDpQuery, nil, s.cid, "")
}

// SetValue sets a single data point on the sub-device.
func (s *SubHandle) SetValue(ctx context.Context, dp int, value any) (string, error) {
	return s.SetDPs(ctx, map[string]any{strconv.Itoa(dp): value})
}

// SetDPs sets multiple data points on the sub-device.
func (s *SubHandle) SetDPs(ctx context.Context, dps map[string]any) (string, error) {
	return s.parent.request(ctx, protocol.CmdDpControl, dps, s.cid, "")
}

// Request sends an arbitrary command addressed to the sub-device.
func (s *SubHandle) Request(ctx context.Context, cmd protocol.Command, data any) (string, error) {
	return s.parent.request(ctx, cmd, data, s.cid, "")
}
