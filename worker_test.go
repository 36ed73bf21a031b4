package tuyalan

import (
	"context"
	"errors"
	"fmt"
	mrand "math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muurk/tuyalan/protocol"
)

const testLocalKey = "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"

func u32ptr(v uint32) *uint32 { return &v }

// mockDevice is a scripted TCP peer speaking one protocol version. It
// answers heartbeats, performs the 3.4/3.5 handshake, records every frame
// it receives, and delegates everything else to onFrame.
type mockDevice struct {
	t       *testing.T
	ln      net.Listener
	version protocol.Version
	devType protocol.DevType
	key     []byte

	// onFrame handles non-heartbeat, non-handshake frames. reply encodes
	// and writes a device frame on the same connection.
	onFrame func(f *protocol.Frame, reply func(*protocol.Frame))

	mu       sync.Mutex
	received []*protocol.Frame
	conns    int
}

func newMockDevice(t *testing.T, version protocol.Version, key string) *mockDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := &mockDevice{
		t:       t,
		ln:      ln,
		version: version,
		devType: protocol.DevTypeDefault,
		key:     []byte(key),
	}
	t.Cleanup(func() { _ = ln.Close() })
	go m.serve()
	return m
}

func (m *mockDevice) addr() string { return m.ln.Addr().String() }

func (m *mockDevice) connCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns
}

func (m *mockDevice) frames() []*protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*protocol.Frame(nil), m.received...)
}

func (m *mockDevice) serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns++
		m.mu.Unlock()
		go m.serveConn(conn)
	}
}

func (m *mockDevice) serveConn(conn net.Conn) {
	defer conn.Close()

	codec := protocol.NewCodec(m.version, m.devType, m.key)
	codec.NoRetCode = true // client frames carry no return code

	reply := func(f *protocol.Frame) {
		wire, err := codec.Encode(f)
		if err != nil {
			m.t.Logf("mock encode: %v", err)
			return
		}
		_, _ = conn.Write(wire)
	}

	var buf []byte
	var localNonce []byte
	tmp := make([]byte, 4096)
	for {
		for {
			f, consumed, err := codec.Decode(buf)
			if err != nil {
				// A real device drops the connection on garbage.
				return
			}
			buf = buf[consumed:]
			if f == nil {
				break
			}

			m.mu.Lock()
			m.received = append(m.received, f)
			m.mu.Unlock()

			switch f.Cmd {
			case protocol.CmdSessNegotiate:
				localNonce = append([]byte(nil), f.Payload...)
				resp := append(append([]byte(nil), mockRemoteNonce()...),
					protocol.FinishPayload(m.key, localNonce)...)
				reply(&protocol.Frame{Seq: f.Seq, Cmd: protocol.CmdSessNegotiateResp, Payload: resp})
			case protocol.CmdSessKeyNegFinish:
				// The finish message arrives under the local key; traffic
				// after it uses the derived session key.
				sessionKey, err := protocol.SessionKey(m.version, m.key, localNonce, mockRemoteNonce())
				if err != nil {
					m.t.Logf("mock session key: %v", err)
					return
				}
				codec.SetKey(sessionKey)
			case protocol.CmdHeartBeat:
				reply(&protocol.Frame{Seq: f.Seq, Cmd: protocol.CmdHeartBeat, RetCode: u32ptr(0)})
			default:
				if m.onFrame != nil {
					m.onFrame(f, reply)
				}
			}
		}

		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			return
		}
	}
}

// mockRemoteNonce is the fixed device-side handshake nonce.
func mockRemoteNonce() []byte {
	nonce := make([]byte, protocol.NonceSize)
	for i := range nonce {
		nonce[i] = 0x02
	}
	return nonce
}

func newTestRand() *mrand.Rand {
	return mrand.New(mrand.NewSource(1))
}

func testConfig(addr string, version protocol.Version) DeviceConfig {
	return DeviceConfig{
		ID:       "test0123456789abcdef",
		Address:  addr,
		LocalKey: testLocalKey,
		Version:  version,
		Persist:  true,
		Timeout:  5 * time.Second,
	}
}

// TestRoundTrip33 exercises the full path: connect, encode a DpControl,
// decode the device's push, resolve the caller's request.
func TestRoundTrip33(t *testing.T) {
	mock := newMockDevice(t, protocol.Version33, testLocalKey)
	mock.onFrame = func(f *protocol.Frame, reply func(*protocol.Frame)) {
		if f.Cmd != protocol.CmdDpControl {
			return
		}
		reply(&protocol.Frame{
			Seq:     f.Seq,
			Cmd:     protocol.CmdDpPush,
			Payload: []byte(`{"dps":{"1":true}}`),
			RetCode: u32ptr(0),
		})
	}

	r := NewRegistry()
	defer r.Shutdown()
	h, err := r.GetOrCreate(testConfig(mock.addr(), protocol.Version33))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := h.SetValue(ctx, 1, true)
	if err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if !strings.Contains(resp, `"dps"`) {
		t.Errorf("response = %q, want dps payload", resp)
	}

	// The wire saw a control frame with the proper envelope.
	for _, f := range mock.frames() {
		if f.Cmd == protocol.CmdDpControl {
			if !strings.Contains(string(f.Payload), `"gwId"`) {
				t.Errorf("control payload %q lacks envelope", f.Payload)
			}
			return
		}
	}
	t.Error("mock never received a DpControl frame")
}

// TestHandshake34 drives the session negotiation against the mock and
// verifies commands flow under the derived session key.
func TestHandshake34(t *testing.T) {
	mock := newMockDevice(t, protocol.Version34, testLocalKey)
	mock.onFrame = func(f *protocol.Frame, reply func(*protocol.Frame)) {
		reply(&protocol.Frame{
			Seq:     f.Seq,
			Cmd:     protocol.CmdDpPush,
			Payload: []byte(`{"dps":{"1":false}}`),
			RetCode: u32ptr(0),
		})
	}

	r := NewRegistry()
	defer r.Shutdown()
	h, err := r.GetOrCreate(testConfig(mock.addr(), protocol.Version34))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := h.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !strings.Contains(resp, `"dps"`) {
		t.Errorf("response = %q", resp)
	}

	// DpQuery must have been upgraded to DpQueryNew for 3.4.
	sawQuery := false
	for _, f := range mock.frames() {
		if f.Cmd == protocol.CmdDpQueryNew {
			sawQuery = true
		}
		if f.Cmd == protocol.CmdDpQuery {
			t.Error("3.4 connection sent legacy DpQuery")
		}
	}
	if !sawQuery {
		t.Error("mock never received DpQueryNew")
	}
}

// TestAutoVersionProbing configures Auto against a 3.4-only device: the
// worker starts at 3.3, the device drops the undecodable connections, and
// probing settles on 3.4.
func TestAutoVersionProbing(t *testing.T) {
	mock := newMockDevice(t, protocol.Version34, testLocalKey)
	mock.onFrame = func(f *protocol.Frame, reply func(*protocol.Frame)) {
		reply(&protocol.Frame{
			Seq:     f.Seq,
			Cmd:     protocol.CmdDpPush,
			Payload: []byte(`{"dps":{"1":true}}`),
			RetCode: u32ptr(0),
		})
	}

	r := NewRegistry()
	defer r.Shutdown()
	h, err := r.GetOrCreate(testConfig(mock.addr(), protocol.VersionAuto))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(20 * time.Second)
	var resp string
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		resp, err = h.Status(ctx)
		cancel()
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Status() never succeeded: %v", err)
	}
	if !strings.Contains(resp, `"dps"`) {
		t.Errorf("response = %q", resp)
	}
	if got := h.Version(); got != protocol.Version34 {
		t.Errorf("pinned version = %s, want 3.4", got)
	}
	if mock.connCount() < 2 {
		t.Errorf("expected at least one failed probe connection, got %d", mock.connCount())
	}
}

// TestCommandFIFO verifies the wire order matches submission order.
func TestCommandFIFO(t *testing.T) {
	mock := newMockDevice(t, protocol.Version33, testLocalKey)

	r := NewRegistry()
	defer r.Shutdown()
	cfg := testConfig(mock.addr(), protocol.Version33)
	cfg.Nowait = true
	h, err := r.GetOrCreate(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	const n = 8
	for i := 0; i < n; i++ {
		if _, err := h.SetValue(ctx, 100+i, i); err != nil {
			t.Fatalf("SetValue(%d) error = %v", i, err)
		}
	}

	// Wait for all frames to land.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if countControls(mock.frames()) >= n {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	var lastSeq uint32
	idx := 0
	for _, f := range mock.frames() {
		if f.Cmd != protocol.CmdDpControl {
			continue
		}
		if f.Seq <= lastSeq {
			t.Errorf("sequence not increasing: %d after %d", f.Seq, lastSeq)
		}
		lastSeq = f.Seq
		wantDP := fmt.Sprintf("%q", fmt.Sprintf("%d", 100+idx))
		if !strings.Contains(string(f.Payload), wantDP) {
			t.Errorf("frame %d payload %q does not carry dp %s", idx, f.Payload, wantDP)
		}
		idx++
	}
	if idx != n {
		t.Fatalf("mock saw %d control frames, want %d", idx, n)
	}
}

// TestShutdownCancelsPending covers worker termination: the pending
// request completes exactly once with Cancelled and the in-flight map is
// empty afterwards.
func TestShutdownCancelsPending(t *testing.T) {
	mock := newMockDevice(t, protocol.Version33, testLocalKey)
	// No onFrame: requests are received but never answered.

	r := NewRegistry()
	h, err := r.GetOrCreate(testConfig(mock.addr(), protocol.Version33))
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := h.SetValue(ctx, 1, true)
		errCh <- err
	}()

	// Wait until the command reached the device.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && countControls(mock.frames()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if countControls(mock.frames()) == 0 {
		t.Fatal("command never reached the mock device")
	}

	r.Delete(h.ID())

	select {
	case err := <-errCh:
		if !IsCancelled(err) {
			t.Errorf("pending request error = %v, want Cancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not completed on shutdown")
	}

	<-h.w.done
	if n := len(h.w.inflight); n != 0 {
		t.Errorf("in-flight map holds %d entries after shutdown", n)
	}
}

// TestNowaitOffline covers dispatch-ack semantics while the device is
// unreachable: the call returns immediately and the listener observes a
// synthesised offline event.
func TestNowaitOffline(t *testing.T) {
	// A port nothing listens on: dialing fails immediately.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := ln.Addr().String()
	_ = ln.Close()

	r := NewRegistry()
	defer r.Shutdown()
	h, err := r.GetOrCreate(testConfig(deadAddr, protocol.Version33))
	if err != nil {
		t.Fatal(err)
	}

	sub := h.Listener()
	defer sub.Close()

	// Wait for two connection failures so the worker sits in backoff.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	failures := 0
	for failures < 2 {
		f, err := sub.Recv(ctx)
		if err != nil {
			var lag *LagError
			if errors.As(err, &lag) {
				continue
			}
			t.Fatalf("Recv() error = %v", err)
		}
		if strings.Contains(string(f.Payload), `"901"`) {
			failures++
		}
	}

	h.SetNowait(true)
	start := time.Now()
	resp, err := h.SetValue(ctx, 1, true)
	if err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if resp != "" {
		t.Errorf("nowait response = %q, want empty", resp)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("nowait dispatch took %v", elapsed)
	}

	// The offline event follows promptly.
	offlineCtx, offlineCancel := context.WithTimeout(context.Background(), time.Second)
	defer offlineCancel()
	for {
		f, err := sub.Recv(offlineCtx)
		if err != nil {
			var lag *LagError
			if errors.As(err, &lag) {
				continue
			}
			t.Fatalf("no offline event on listener: %v", err)
		}
		if strings.Contains(string(f.Payload), `"905"`) {
			return
		}
	}
}

// TestListenerSeesPushes verifies spontaneous device pushes reach a
// listener subscribed before the connection came up.
func TestListenerSeesPushes(t *testing.T) {
	mock := newMockDevice(t, protocol.Version33, testLocalKey)
	mock.onFrame = func(f *protocol.Frame, reply func(*protocol.Frame)) {
		if f.Cmd != protocol.CmdDpControl {
			return
		}
		// Ack the command, then push an unsolicited update.
		reply(&protocol.Frame{Seq: f.Seq, Cmd: protocol.CmdDpPush,
			Payload: []byte(`{"dps":{"1":true}}`), RetCode: u32ptr(0)})
		reply(&protocol.Frame{Seq: 0x7000, Cmd: protocol.CmdDpPush,
			Payload: []byte(`{"dps":{"9":"spontaneous"}}`), RetCode: u32ptr(0)})
	}

	r := NewRegistry()
	defer r.Shutdown()
	h, err := r.GetOrCreate(testConfig(mock.addr(), protocol.Version33))
	if err != nil {
		t.Fatal(err)
	}
	sub := h.Listener()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := h.SetValue(ctx, 1, true); err != nil {
		t.Fatal(err)
	}

	for {
		f, err := sub.Recv(ctx)
		if err != nil {
			var lag *LagError
			if errors.As(err, &lag) {
				continue
			}
			t.Fatalf("Recv() error = %v", err)
		}
		if strings.Contains(string(f.Payload), "spontaneous") {
			return
		}
	}
}

// TestBackoffEnvelope pins the reconnect schedule: first delay is the
// sub-second jitter, later delays double within ±25%, capped at a minute.
func TestBackoffEnvelope(t *testing.T) {
	b := newReconnectBackoff()

	base := time.Second
	for k := 2; k <= 10; k++ {
		d := b.NextBackOff()
		expected := base
		if expected > 60*time.Second {
			expected = 60 * time.Second
		}
		lo := time.Duration(float64(expected) * 0.75)
		hi := time.Duration(float64(expected) * 1.25)
		if d < lo || d > hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", k, d, lo, hi)
		}
		base *= 2
	}

	// First-attempt jitter stays below one second.
	w := &worker{boff: newReconnectBackoff(), attempt: 1}
	w.rng = newTestRand()
	for i := 0; i < 32; i++ {
		if d := w.nextBackoffDelay(); d >= time.Second {
			t.Fatalf("initial jitter %v >= 1s", d)
		}
	}
}

// TestQueueBackpressure fills the offline queue and expects overflow to be
// rejected immediately.
func TestQueueBackpressure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := ln.Addr().String()
	_ = ln.Close()

	r := NewRegistry()
	defer r.Shutdown()
	h, err := r.GetOrCreate(testConfig(deadAddr, protocol.Version33))
	if err != nil {
		t.Fatal(err)
	}

	// Submit far more than channel plus queue can hold; at least one must
	// bounce with Backpressure.
	results := make(chan error, 3*DefaultQueueSize)
	var wg sync.WaitGroup
	for i := 0; i < 3*DefaultQueueSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := h.SetValue(ctx, 1, true)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	saw := false
	for err := range results {
		if IsBackpressure(err) {
			saw = true
		}
	}
	if !saw {
		t.Error("no submission was rejected with Backpressure")
	}
}

func countControls(frames []*protocol.Frame) int {
	n := 0
	for _, f := range frames {
		if f.Cmd == protocol.CmdDpControl {
			n++
		}
	}
	return n
}
