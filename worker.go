package tuyalan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/muurk/tuyalan/internal/logging"
	"github.com/muurk/tuyalan/internal/tuyacrypto"
	"github.com/muurk/tuyalan/protocol"
)

// workerState enumerates the connection state machine.
type workerState int

const (
	stateInit workerState = iota
	stateResolving
	stateConnecting
	stateHandshaking
	stateOnline
	stateBackoff
	stateClosed
)

// String returns a human-readable name for the state
func (s workerState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateResolving:
		return "resolving"
	case stateConnecting:
		return "connecting"
	case stateHandshaking:
		return "handshaking"
	case stateOnline:
		return "online"
	case stateBackoff:
		return "backoff"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sweepInterval drives housekeeping: queued/in-flight deadline expiry and
// keepalive checks.
const sweepInterval = 250 * time.Millisecond

// request is one outbound command travelling from a handle to the worker.
type request struct {
	cmd      protocol.Command
	data     any
	cid      string
	reqType  string
	nowait   bool
	deadline time.Time
	done     chan requestResult
}

// requestResult completes a request exactly once.
type requestResult struct {
	payload    string
	dispatched bool // nowait acknowledgement: frame handed to the socket
	err        error
}

func newRequest(cmd protocol.Command, data any, cid, reqType string, nowait bool, deadline time.Time) *request {
	return &request{
		cmd:      cmd,
		data:     data,
		cid:      cid,
		reqType:  reqType,
		nowait:   nowait,
		deadline: deadline,
		done:     make(chan requestResult, 1),
	}
}

// complete delivers the result. The worker owns completion; the buffered
// channel makes it non-blocking even when the caller has gone away.
func (r *request) complete(res requestResult) {
	select {
	case r.done <- res:
	default:
	}
}

// controlMsg reconfigures or terminates the worker.
type controlMsg struct {
	cfg      *DeviceConfig // non-nil: reconfigure
	shutdown bool
	done     chan struct{}
}

// readEvent is one decoded frame or terminal error from the reader goroutine.
type readEvent struct {
	frame *protocol.Frame
	err   error
}

// probeTarget is one step of automatic version detection.
type probeTarget struct {
	version protocol.Version
	devType protocol.DevType
}

// probeOrder is the detection sequence for Version Auto: start at 3.3,
// then step through the alternatives until one decodes cleanly.
var probeOrder = []probeTarget{
	{protocol.Version33, protocol.DevTypeDefault},
	{protocol.Version31, protocol.DevTypeDefault},
	{protocol.Version34, protocol.DevTypeDefault},
	{protocol.Version35, protocol.DevTypeDefault},
	{protocol.Version33, protocol.DevTypeDevice22},
}

// worker owns one device's TCP session. It serializes outbound commands,
// decodes inbound frames, correlates responses, keeps the session alive,
// and reconnects with jittered exponential backoff.
//
// The event loop multiplexes four sources in priority order: inbound
// socket frames, outbound commands, the keepalive/housekeeping timer, and
// control messages.
type worker struct {
	cfgMu sync.RWMutex
	cfg   DeviceConfig

	cmdCh chan *request
	ctlCh chan controlMsg
	bus   *bus
	done  chan struct{}

	online     atomic.Bool
	versionNow atomic.Uint32 // protocol.Version visible to handles

	// Everything below is owned by the run goroutine.
	state         workerState
	version       protocol.Version
	devType       protocol.DevType
	versionPinned bool
	probeIdx      int
	resolvedAddr  string
	seq           uint32
	codec         *protocol.Codec
	conn          net.Conn
	readCh        chan readEvent
	readStop      chan struct{}
	firstFrame    bool // no frame decoded yet on this connection
	queue         []*request
	inflight      map[uint32]*request
	boff          *backoff.ExponentialBackOff
	attempt       int
	lastRead      time.Time
	lastBeat      time.Time
	rng           *rand.Rand
}

// newReconnectBackoff builds the reconnect schedule: 1s doubling to a 60s
// cap with ±25% jitter, never giving up on its own.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // retry forever; the state machine decides when to stop
	b.Reset()
	return b
}

func newWorker(cfg DeviceConfig) *worker {
	b := newReconnectBackoff()

	w := &worker{
		cfg:      cfg,
		cmdCh:    make(chan *request, DefaultQueueSize),
		ctlCh:    make(chan controlMsg, 4),
		bus:      newBus(),
		done:     make(chan struct{}),
		state:    stateInit,
		inflight: make(map[uint32]*request),
		boff:     b,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	w.applyVersion()
	go w.run()
	return w
}

// config returns a snapshot of the current configuration.
func (w *worker) config() DeviceConfig {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg
}

func (w *worker) setConfig(cfg DeviceConfig) {
	w.cfgMu.Lock()
	w.cfg = cfg
	w.cfgMu.Unlock()
}

// submit hands a request to the worker. It never blocks: a full channel
// means the worker is drowning and the caller gets backpressure.
func (w *worker) submit(req *request) error {
	select {
	case <-w.done:
		return NewCancelledError(w.config().ID, "worker terminated")
	default:
	}
	select {
	case w.cmdCh <- req:
		return nil
	default:
		return NewBackpressureError(w.config().ID)
	}
}

// control sends a control message and waits for the worker to apply it.
func (w *worker) control(msg controlMsg) {
	msg.done = make(chan struct{})
	select {
	case w.ctlCh <- msg:
		select {
		case <-msg.done:
		case <-w.done:
		}
	case <-w.done:
	}
}

func (w *worker) reconfigure(cfg DeviceConfig) {
	w.control(controlMsg{cfg: &cfg})
}

func (w *worker) shutdown() {
	w.control(controlMsg{shutdown: true})
}

// applyVersion loads the effective version/devType from the configuration,
// falling back to the probe sequence for Version Auto.
func (w *worker) applyVersion() {
	cfg := w.config()
	if cfg.Version == protocol.VersionAuto {
		t := probeOrder[w.probeIdx%len(probeOrder)]
		w.version, w.devType = t.version, t.devType
		if cfg.DevType == protocol.DevTypeDevice22 {
			w.devType = protocol.DevTypeDevice22
		}
		w.versionNow.Store(uint32(w.version))
		return
	}
	w.version, w.devType = cfg.Version, cfg.DevType
	w.versionNow.Store(uint32(w.version))
}

// run is the worker main loop: one state handler per iteration until Closed.
func (w *worker) run() {
	logging.Debug("Worker started", zap.String("device_id", w.config().ID))
	for w.state != stateClosed {
		switch w.state {
		case stateInit:
			w.runInit()
		case stateResolving:
			w.runResolving()
		case stateConnecting:
			w.runConnecting()
		case stateHandshaking:
			w.runHandshaking()
		case stateOnline:
			w.runOnline()
		case stateBackoff:
			w.runBackoff()
		}
	}
	logging.Debug("Worker exited", zap.String("device_id", w.config().ID))
}

func (w *worker) setState(s workerState) {
	if w.state == s {
		return
	}
	logging.Debug("Worker state",
		zap.String("device_id", w.config().ID),
		zap.String("from", w.state.String()),
		zap.String("to", s.String()),
	)
	w.state = s
	w.online.Store(s == stateOnline)
}

// runInit decides where to go after spawn, reconfigure, or an on-demand
// idle period. Non-persistent workers wait here for work before dialing.
func (w *worker) runInit() {
	cfg := w.config()
	if !cfg.Persist && len(w.queue) == 0 {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		select {
		case req := <-w.cmdCh:
			w.accept(req)
		case msg := <-w.ctlCh:
			w.handleControl(msg)
		case <-ticker.C:
		}
		return
	}

	if cfg.Address == AddressAuto && w.resolvedAddr == "" {
		w.setState(stateResolving)
		return
	}
	w.setState(stateConnecting)
}

// runResolving asks the discovery scanner for the device address.
func (w *worker) runResolving() {
	cfg := w.config()
	type resolveResult struct {
		res *DiscoveryResult
		err error
	}
	resCh := make(chan resolveResult, 1)
	go func() {
		res, err := Discover(context.Background(), cfg.ID)
		resCh <- resolveResult{res: res, err: err}
	}()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case r := <-resCh:
			if r.err != nil || r.res == nil {
				logging.Warn("Discovery found no address",
					zap.String("device_id", cfg.ID), zap.Error(r.err))
				w.connectionFailed(NewOfflineError(cfg.ID))
				return
			}
			w.resolvedAddr = r.res.IP
			if cfg.Version == protocol.VersionAuto && !w.versionPinned && r.res.Version != "" {
				if v, err := protocol.ParseVersion(r.res.Version); err == nil && v != protocol.VersionAuto {
					logging.Info("Version from discovery beacon",
						zap.String("device_id", cfg.ID), zap.String("version", v.String()))
					w.version = v
					w.versionNow.Store(uint32(v))
				}
			}
			logging.Info("Discovered device",
				zap.String("device_id", cfg.ID), zap.String("ip", w.resolvedAddr))
			w.setState(stateConnecting)
			return
		case req := <-w.cmdCh:
			w.accept(req)
		case msg := <-w.ctlCh:
			w.handleControl(msg)
			if w.state != stateResolving {
				return
			}
		case <-ticker.C:
			w.sweepQueue()
		}
	}
}

// runConnecting dials the device.
func (w *worker) runConnecting() {
	cfg := w.config()
	addr := cfg.Address
	if addr == AddressAuto {
		addr = w.resolvedAddr
	}

	type dialResult struct {
		conn net.Conn
		err  error
	}
	dialCh := make(chan dialResult, 1)
	go func() {
		conn, err := dialDevice(addr, cfg.Timeout)
		dialCh <- dialResult{conn: conn, err: err}
	}()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case d := <-dialCh:
			if d.err != nil {
				if cfg.Address == AddressAuto {
					// Stale discovery entry; force a fresh scan next time.
					invalidateDiscovery(cfg.ID)
					w.resolvedAddr = ""
				}
				w.connectionFailed(ClassifyNetworkError(cfg.ID, d.err))
				return
			}
			w.conn = d.conn
			w.setState(stateHandshaking)
			return
		case req := <-w.cmdCh:
			w.accept(req)
		case msg := <-w.ctlCh:
			w.handleControl(msg)
			if w.state != stateConnecting {
				// A late dial result would leak its socket.
				go func() {
					if d := <-dialCh; d.conn != nil {
						_ = d.conn.Close()
					}
				}()
				return
			}
		case <-ticker.C:
			w.sweepQueue()
		}
	}
}

// runHandshaking negotiates the session key (3.4/3.5) or goes straight
// online for the legacy versions.
func (w *worker) runHandshaking() {
	cfg := w.config()
	w.codec = protocol.NewCodec(w.version, w.devType, cfg.Key())
	w.seq = 0
	w.firstFrame = true

	if !w.version.HasSession() {
		w.enterOnline()
		return
	}

	if err := w.negotiateSession(cfg); err != nil {
		logging.Warn("Handshake failed",
			zap.String("device_id", cfg.ID),
			zap.String("version", w.version.String()),
			zap.Error(err))
		w.closeConn()
		w.advanceProbe()
		w.connectionFailed(NewHandshakeError(cfg.ID, err))
		return
	}
	w.enterOnline()
}

// negotiateSession runs the three-message key exchange over the fresh
// connection with the local key.
func (w *worker) negotiateSession(cfg DeviceConfig) error {
	deadline := time.Now().Add(HandshakeTimeout)

	localNonce, err := protocol.NewNonce()
	if err != nil {
		return err
	}
	if err := w.writeFrame(&protocol.Frame{
		Seq:     w.nextSeq(),
		Cmd:     protocol.CmdSessNegotiate,
		Payload: localNonce,
	}); err != nil {
		return err
	}

	resp, err := w.readFrameSync(deadline)
	if err != nil {
		return err
	}
	if resp.Cmd != protocol.CmdSessNegotiateResp {
		return errors.New("unexpected command " + resp.Cmd.String() + " during negotiation")
	}
	remoteNonce, err := protocol.ParseNegotiateResponse(cfg.Key(), localNonce, resp.Payload)
	if err != nil {
		return err
	}

	if err := w.writeFrame(&protocol.Frame{
		Seq:     w.nextSeq(),
		Cmd:     protocol.CmdSessKeyNegFinish,
		Payload: protocol.FinishPayload(cfg.Key(), remoteNonce),
	}); err != nil {
		return err
	}

	sessionKey, err := protocol.SessionKey(w.version, cfg.Key(), localNonce, remoteNonce)
	if err != nil {
		return err
	}
	w.codec.SetKey(sessionKey)
	logging.Debug("Session key established", zap.String("device_id", cfg.ID))
	return nil
}

// readFrameSync reads one frame directly from the socket, used only during
// the handshake before the reader goroutine exists.
func (w *worker) readFrameSync(deadline time.Time) (*protocol.Frame, error) {
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		if f, rest, err := decodeStep(w.codec, buf); err != nil {
			return nil, err
		} else if f != nil {
			return f, nil
		} else {
			buf = rest
		}

		if err := w.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := w.conn.Read(tmp)
		if err != nil {
			return nil, err
		}
		buf = append(buf, tmp[:n]...)
	}
}

// decodeStep advances the pull parser by one frame, compacting skipped
// garbage.
func decodeStep(codec *protocol.Codec, buf []byte) (*protocol.Frame, []byte, error) {
	f, consumed, err := codec.Decode(buf)
	if err != nil {
		return nil, buf, err
	}
	if f != nil {
		return f, buf[consumed:], nil
	}
	return nil, buf[consumed:], nil
}

// enterOnline flushes the queue and starts the reader and keepalive.
func (w *worker) enterOnline() {
	cfg := w.config()
	_ = w.conn.SetReadDeadline(time.Time{})
	w.attempt = 0
	w.boff.Reset()
	w.lastRead = time.Now()
	w.lastBeat = time.Time{}
	w.startReader()
	w.setState(stateOnline)
	logging.Info("Device online",
		zap.String("device_id", cfg.ID),
		zap.String("version", w.version.String()),
		zap.String("dev_type", w.devType.String()),
	)
	w.publishSynth(CodeSuccess, "connection established", nil)

	// Flush commands queued while offline, oldest first.
	queued := w.queue
	w.queue = nil
	for _, req := range queued {
		if w.state != stateOnline {
			// Dispatch failure mid-flush re-queues the remainder.
			w.enqueue(req)
			continue
		}
		w.dispatch(req)
	}
}

// startReader spawns the socket reader for the current connection.
func (w *worker) startReader() {
	readCh := make(chan readEvent, 8)
	stop := make(chan struct{})
	w.readCh = readCh
	w.readStop = stop
	conn := w.conn
	codec := w.codec

	go func() {
		var buf []byte
		tmp := make([]byte, 4096)
		for {
			for {
				f, rest, err := decodeStep(codec, buf)
				buf = rest
				if err != nil {
					sendEvent(readCh, stop, readEvent{err: err})
					return
				}
				if f == nil {
					break
				}
				sendEvent(readCh, stop, readEvent{frame: f})
			}

			n, err := conn.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
			}
			if err != nil {
				sendEvent(readCh, stop, readEvent{err: err})
				return
			}
		}
	}()
}

func sendEvent(ch chan readEvent, stop chan struct{}, ev readEvent) {
	select {
	case ch <- ev:
	case <-stop:
	}
}

// runOnline is the steady-state loop: correlate responses, publish frames,
// dispatch commands, keep the session alive.
func (w *worker) runOnline() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for w.state == stateOnline {
		// Inbound frames first: responses unblock callers and keepalive
		// accounting depends on read recency.
		select {
		case ev := <-w.readCh:
			if ev.err != nil {
				w.handleReadError(ev.err)
			} else {
				w.handleFrame(ev.frame)
			}
			continue
		default:
		}
		// Then outbound commands, then housekeeping, ahead of control.
		select {
		case req := <-w.cmdCh:
			w.accept(req)
			continue
		default:
		}
		select {
		case <-ticker.C:
			w.sweepInflight()
			w.sweepQueue()
			w.keepalive()
			continue
		default:
		}

		select {
		case ev := <-w.readCh:
			if ev.err != nil {
				w.handleReadError(ev.err)
				continue
			}
			w.handleFrame(ev.frame)
		case req := <-w.cmdCh:
			w.accept(req)
		case <-ticker.C:
			w.sweepInflight()
			w.sweepQueue()
			w.keepalive()
		case msg := <-w.ctlCh:
			w.handleControl(msg)
		}
	}
}

// handleFrame correlates an inbound frame and publishes it to listeners.
func (w *worker) handleFrame(f *protocol.Frame) {
	w.lastRead = time.Now()
	// The first cleanly decoded frame pins the probed version.
	w.versionPinned = true
	w.firstFrame = false

	logging.LogFrame(w.config().ID, "in", f.Seq, uint32(f.Cmd), len(f.Payload))

	if req, ok := w.inflight[f.Seq]; ok {
		delete(w.inflight, f.Seq)
		req.complete(requestResult{payload: string(f.Payload)})
	}

	if len(f.Payload) > 0 && !jsonLooksValid(f.Payload) {
		// Binary payloads still reach listeners, flagged so consumers do
		// not try to parse them as JSON.
		w.publishSynth(CodeJSON, "non-JSON payload from device", map[string]any{
			"payload_raw": logging.HexDump(f.Payload, 0),
			"cmd":         uint32(f.Cmd),
		})
		return
	}
	w.bus.publish(*f)
}

// handleReadError classifies a reader failure and demotes the connection.
func (w *worker) handleReadError(err error) {
	cfg := w.config()

	var devErr *DeviceError
	var codecErr *protocol.CodecError
	var cryptoErr *tuyacrypto.CryptoError
	switch {
	case errors.As(err, &cryptoErr):
		devErr = NewCryptoError(cfg.ID, err)
		w.advanceProbe()
	case errors.As(err, &codecErr):
		if errors.As(codecErr.Err, &cryptoErr) {
			devErr = NewCryptoError(cfg.ID, err)
		} else {
			devErr = NewCodecError(cfg.ID, err)
		}
		w.advanceProbe()
	case errors.Is(err, io.EOF) && w.firstFrame:
		// Dropped before the first frame: almost always a key or version
		// mismatch rather than a network fault.
		devErr = NewCryptoError(cfg.ID, err)
		w.advanceProbe()
	default:
		devErr = ClassifyNetworkError(cfg.ID, err)
	}

	logging.Warn("Connection lost",
		zap.String("device_id", cfg.ID),
		zap.String("kind", devErr.Kind.String()),
		zap.Error(err))
	w.dropConnection(devErr)
}

// accept routes an incoming request according to the current state.
func (w *worker) accept(req *request) {
	switch {
	case w.state == stateClosed:
		req.complete(requestResult{err: NewCancelledError(w.config().ID, "worker terminated")})
	case !req.deadline.IsZero() && time.Now().After(req.deadline):
		req.complete(requestResult{err: NewTimeoutError(w.config().ID, "deadline elapsed before dispatch")})
	case w.state == stateOnline:
		w.dispatch(req)
	case req.nowait && w.state == stateBackoff:
		// Dispatch-ack semantics while unreachable: acknowledge now and
		// tell listeners the device is offline.
		req.complete(requestResult{dispatched: true})
		w.publishSynth(CodeOffline, "device offline", nil)
	default:
		w.enqueue(req)
	}
}

// enqueue adds a request to the offline queue, bounded at DefaultQueueSize.
func (w *worker) enqueue(req *request) {
	if len(w.queue) >= DefaultQueueSize {
		req.complete(requestResult{err: NewBackpressureError(w.config().ID)})
		return
	}
	w.queue = append(w.queue, req)
}

// dispatch encodes and writes one request on the live connection.
func (w *worker) dispatch(req *request) {
	cfg := w.config()
	cmd, payload, err := buildPayload(&cfg, req.cmd, req.data, req.cid, req.reqType, time.Now())
	if err != nil {
		req.complete(requestResult{err: err})
		return
	}

	seq := w.nextSeq()
	frame := &protocol.Frame{Seq: seq, Cmd: cmd, Payload: payload, CID: req.cid}
	if err := w.writeFrame(frame); err != nil {
		req.complete(requestResult{err: ClassifyNetworkError(cfg.ID, err)})
		w.dropConnection(ClassifyNetworkError(cfg.ID, err))
		return
	}

	if req.nowait {
		req.complete(requestResult{dispatched: true})
		return
	}
	w.inflight[seq] = req
}

// writeFrame encodes and writes a frame with the configured deadline.
func (w *worker) writeFrame(f *protocol.Frame) error {
	cfg := w.config()
	wire, err := w.codec.Encode(f)
	if err != nil {
		return err
	}
	logging.LogFrame(cfg.ID, "out", f.Seq, uint32(f.Cmd), len(f.Payload))
	return writeConn(w.conn, wire, cfg.Timeout)
}

// nextSeq returns the next send sequence (monotonic per connection).
func (w *worker) nextSeq() uint32 {
	w.seq++
	return w.seq
}

// keepalive sends heartbeats on read-idleness and demotes the connection
// after two unanswered intervals.
func (w *worker) keepalive() {
	if w.state != stateOnline {
		return
	}
	cfg := w.config()
	idle := time.Since(w.lastRead)

	if idle > KeepaliveDeadline {
		logging.Warn("Heartbeats unanswered",
			zap.String("device_id", cfg.ID),
			zap.Duration("idle", idle))
		w.dropConnection(NewOfflineError(cfg.ID))
		return
	}

	if !cfg.Persist && idle >= KeepaliveInterval &&
		len(w.inflight) == 0 && len(w.queue) == 0 {
		// Non-persistent sessions drop the socket once idle.
		logging.Debug("Closing idle connection", zap.String("device_id", cfg.ID))
		w.stopReader()
		w.closeConn()
		w.setState(stateInit)
		return
	}

	if idle >= KeepaliveInterval && time.Since(w.lastBeat) >= KeepaliveInterval {
		w.lastBeat = time.Now()
		hb := &protocol.Frame{
			Seq:     w.nextSeq(),
			Cmd:     protocol.CmdHeartBeat,
			Payload: heartbeatPayload(cfg.ID),
		}
		if err := w.writeFrame(hb); err != nil {
			w.dropConnection(ClassifyNetworkError(cfg.ID, err))
		}
	}
}

// sweepInflight expires in-flight requests whose deadline passed.
func (w *worker) sweepInflight() {
	if len(w.inflight) == 0 {
		return
	}
	now := time.Now()
	for seq, req := range w.inflight {
		if !req.deadline.IsZero() && now.After(req.deadline) {
			delete(w.inflight, seq)
			req.complete(requestResult{err: NewTimeoutError(w.config().ID, "no response from device")})
		}
	}
}

// sweepQueue expires queued requests whose deadline passed before dispatch.
func (w *worker) sweepQueue() {
	if len(w.queue) == 0 {
		return
	}
	now := time.Now()
	kept := w.queue[:0]
	for _, req := range w.queue {
		if !req.deadline.IsZero() && now.After(req.deadline) {
			req.complete(requestResult{err: NewTimeoutError(w.config().ID, "deadline elapsed before dispatch")})
			continue
		}
		kept = append(kept, req)
	}
	w.queue = kept
}

// dropConnection fails in-flight requests, tells listeners, and moves to
// Backoff (persistent) or Init (on-demand).
func (w *worker) dropConnection(cause *DeviceError) {
	w.stopReader()
	w.closeConn()

	for seq, req := range w.inflight {
		delete(w.inflight, seq)
		req.complete(requestResult{err: newError(KindConnectionFailed, cause.DeviceID, "connection lost", cause, true)})
	}

	w.publishSynth(cause.Kind.Code(), cause.Message, nil)
	w.attempt++
	w.enterOffline()
}

// connectionFailed handles resolve/dial/handshake failures (no live socket).
func (w *worker) connectionFailed(cause *DeviceError) {
	w.publishSynth(cause.Kind.Code(), cause.Message, nil)
	w.attempt++
	w.enterOffline()
}

// enterOffline moves to Backoff (persistent) or Init (on-demand) after a
// failure, applying the dispatch contract to queued work: nowait requests
// are acknowledged and their callers pointed at the listener's Offline
// event; response-ack requests keep waiting for the reconnect on a
// persistent worker and fail with Offline on an on-demand one.
func (w *worker) enterOffline() {
	cfg := w.config()

	kept := w.queue[:0]
	offline := false
	for _, req := range w.queue {
		if req.nowait {
			req.complete(requestResult{dispatched: true})
			offline = true
			continue
		}
		if !cfg.Persist {
			// No timed retry for on-demand sessions; queued work is refused.
			req.complete(requestResult{err: NewOfflineError(cfg.ID)})
			continue
		}
		kept = append(kept, req)
	}
	w.queue = kept
	if !cfg.Persist {
		w.queue = nil
	}
	if offline {
		w.publishSynth(CodeOffline, "device offline", nil)
	}

	if !cfg.Persist {
		w.setState(stateInit)
		return
	}
	w.setState(stateBackoff)
}

// runBackoff waits out the reconnect delay while staying responsive.
func (w *worker) runBackoff() {
	delay := w.nextBackoffDelay()
	logging.Info("Reconnect backoff",
		zap.String("device_id", w.config().ID),
		zap.Int("attempt", w.attempt),
		zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			w.setState(stateConnecting)
			return
		case req := <-w.cmdCh:
			w.accept(req)
		case <-ticker.C:
			w.sweepQueue()
		case msg := <-w.ctlCh:
			w.handleControl(msg)
			if w.state != stateBackoff {
				return
			}
		}
	}
}

// nextBackoffDelay returns the reconnect delay. The first retry is a
// uniform jitter below one second to spread a thundering herd; later
// retries follow the exponential schedule with ±25% jitter, capped at the
// maximum interval.
func (w *worker) nextBackoffDelay() time.Duration {
	if w.attempt <= 1 {
		return time.Duration(w.rng.Int63n(int64(time.Second)))
	}
	return w.boff.NextBackOff()
}

// advanceProbe steps automatic version detection to the next candidate.
func (w *worker) advanceProbe() {
	if w.versionPinned || w.config().Version != protocol.VersionAuto {
		return
	}
	w.probeIdx = (w.probeIdx + 1) % len(probeOrder)
	w.applyVersion()
	logging.Info("Probing protocol version",
		zap.String("device_id", w.config().ID),
		zap.String("version", w.version.String()),
		zap.String("dev_type", w.devType.String()),
	)
}

// handleControl applies a reconfigure or shutdown message.
func (w *worker) handleControl(msg controlMsg) {
	defer close(msg.done)

	if msg.shutdown {
		w.terminate()
		return
	}
	if msg.cfg == nil {
		return
	}

	old := w.config()
	next := *msg.cfg
	if old.connEqual(next) {
		// Only per-handle knobs changed; no reconnect needed.
		w.setConfig(next)
		return
	}

	logging.Info("Reconfiguring device", zap.String("device_id", next.ID))
	w.stopReader()
	w.closeConn()
	for seq, req := range w.inflight {
		delete(w.inflight, seq)
		req.complete(requestResult{err: NewCancelledError(old.ID, "device reconfigured")})
	}
	w.setConfig(next)
	w.resolvedAddr = ""
	w.versionPinned = false
	w.probeIdx = 0
	w.attempt = 0
	w.boff.Reset()
	w.applyVersion()
	w.setState(stateInit)
}

// terminate shuts the worker down: every pending request is completed with
// Cancelled exactly once and the broadcast bus is closed.
func (w *worker) terminate() {
	cfg := w.config()
	w.stopReader()
	w.closeConn()

	for seq, req := range w.inflight {
		delete(w.inflight, seq)
		req.complete(requestResult{err: NewCancelledError(cfg.ID, "worker shutdown")})
	}
	for _, req := range w.queue {
		req.complete(requestResult{err: NewCancelledError(cfg.ID, "worker shutdown")})
	}
	w.queue = nil
	for {
		select {
		case req := <-w.cmdCh:
			req.complete(requestResult{err: NewCancelledError(cfg.ID, "worker shutdown")})
			continue
		default:
		}
		break
	}

	w.setState(stateClosed)
	close(w.done)
	w.bus.close()
	logging.Info("Worker terminated", zap.String("device_id", cfg.ID))
}

func (w *worker) stopReader() {
	if w.readStop != nil {
		close(w.readStop)
		w.readStop = nil
	}
	w.readCh = nil
}

func (w *worker) closeConn() {
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

// publishSynth broadcasts a synthesised status frame so listeners observe
// connection-level events asynchronously.
func (w *worker) publishSynth(code uint32, message string, extra map[string]any) {
	body := map[string]any{
		"Error": message,
		"Err":   strconv.FormatUint(uint64(code), 10),
	}
	for k, v := range extra {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	w.bus.publish(protocol.Frame{Payload: raw})
}

// jsonLooksValid is a cheap structural check used before publishing raw
// device payloads that claim to be JSON.
func jsonLooksValid(p []byte) bool {
	t := bytes.TrimSpace(p)
	return len(t) > 0 && (t[0] == '{' || t[0] == '[')
}
