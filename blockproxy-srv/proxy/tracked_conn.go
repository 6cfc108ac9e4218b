package proxy

import (
	"net"
	"sync/atomic"

	"github.com/codefionn/blockproxy/blockproxy-srv/metrics"
)

// trackedConn counts bytes written to (sent) and read from (received) an
// upstream connection.
type trackedConn struct {
	net.Conn
	metrics  *metrics.Metrics
	sent     atomic.Int64
	received atomic.Int64
}

func newTrackedConn(conn net.Conn, m *metrics.Metrics) *trackedConn {
	return &trackedConn{Conn: conn, metrics: m}
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.received.Add(int64(n))
		c.metrics.AddBytes(metrics.DirectionDownstream, int64(n))
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.sent.Add(int64(n))
		c.metrics.AddBytes(metrics.DirectionUpstream, int64(n))
	}
	return n, err
}

// BytesSent returns the bytes written towards the upstream.
func (c *trackedConn) BytesSent() int64 {
	return c.sent.Load()
}

// BytesReceived returns the bytes read from the upstream.
func (c *trackedConn) BytesReceived() int64 {
	return c.received.Load()
}
