package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// idleConn refreshes the read deadline before every read, so a peer that
// stays silent for longer than timeout fails the read.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func withIdleTimeout(conn net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &idleConn{Conn: conn, timeout: timeout}
}

func (c *idleConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// relayError drops errors that only mean a peer hung up and codes the rest.
func relayError(err error) error {
	if err == nil || isClosedConnError(err) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newCodedError(ErrCodeRelayIdleTimeout, err)
	}
	return newCodedError(ErrCodeRelayIOFailed, err)
}

// forwardRelay sends the buffered client request upstream unchanged and
// streams the response back until the upstream is done.
func forwardRelay(client io.Writer, upstream io.ReadWriter, request []byte) error {
	if _, err := upstream.Write(request); err != nil {
		return relayError(err)
	}
	_, err := copyBuffer(client, upstream)
	return relayError(err)
}

// tunnelRelay acknowledges a CONNECT and copies bytes in both directions until
// either side finishes. clientReader yields any bytes sent after the request
// head before reading the socket. Both connections are closed on return.
func tunnelRelay(client net.Conn, clientReader io.Reader, upstream net.Conn) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	if _, err := client.Write(responseConnectionEstablished); err != nil {
		return newCodedError(ErrCodeResponseWriteFailed, err)
	}

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		_, err := copyBuffer(upstream, clientReader)
		return relayError(err)
	})
	g.Go(func() error {
		defer closeBoth()
		_, err := copyBuffer(client, upstream)
		return relayError(err)
	})
	return g.Wait()
}
