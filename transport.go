package tuyalan

import (
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/tuyalan/internal/logging"
)

// dialDevice opens the TCP control connection to a device. addr may be a
// bare IP; the standard device port is appended when none is given.
func dialDevice(addr string, timeout time.Duration) (net.Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DevicePort))
	}
	logging.Debug("Dialing device", zap.String("addr", addr), zap.Duration("timeout", timeout))

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Control traffic is tiny and latency-sensitive.
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// writeConn writes a full frame with a deadline. The worker is the only
// writer, so writes never interleave.
func writeConn(conn net.Conn, frame []byte, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}
