package proxy

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/blockproxy/blockproxy-srv/logger"
	"github.com/google/uuid"
)

// connContext holds everything that belongs to one accepted client socket.
type connContext struct {
	id       uuid.UUID
	client   net.Conn
	clientIP string
	reader   *bufio.Reader
	upstream *trackedConn
	start    time.Time
	state    State
	log      logger.ConnLogger

	// Filled in by the handler as the request progresses.
	req      ParsedRequest
	statsID  int64
	reported bool

	// mu guards upstream, state and closed, which close touches from the
	// shutdown goroutine.
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newConnContext(conn net.Conn, readBufferSize int, idleTimeout time.Duration) *connContext {
	id := uuid.New()
	client := withIdleTimeout(conn, idleTimeout)

	clientIP := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}

	return &connContext{
		id:       id,
		client:   client,
		clientIP: clientIP,
		reader:   bufio.NewReaderSize(client, readBufferSize),
		start:    time.Now(),
		state:    StateAccepted,
		log:      logger.ForConn(id.String()),
	}
}

// transition moves to next or leaves the state unchanged and returns an
// error if the move is not allowed.
func (c *connContext) transition(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(next)
}

func (c *connContext) transitionLocked(next State) error {
	if !CanTransition(c.state, next) {
		err := newCodedError(ErrCodeInvalidStateTransition, fmt.Errorf("%s -> %s", c.state, next))
		if c.closed {
			// Force-closed during shutdown.
			c.log.Debug("%v", err)
		} else {
			c.log.Error("%v", err)
		}
		return err
	}
	c.log.Trace("State %s -> %s", c.state, next)
	c.state = next
	return nil
}

// peekRequest returns the client's initial bytes without consuming them. It
// waits for the end of the request head, a full buffer or the client to stop
// sending. The returned slice is only valid until the reader is advanced.
func (c *connContext) peekRequest() ([]byte, error) {
	size := c.reader.Size()
	n := 1
	for {
		buf, err := c.reader.Peek(n)
		if err != nil {
			if len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
		buf, _ = c.reader.Peek(c.reader.Buffered())
		if bytes.Contains(buf, headerTerminator) || len(buf) >= size {
			return buf, nil
		}
		n = len(buf) + 1
	}
}

// setUpstream attaches conn so close releases it. It returns false and
// closes conn when the context was already closed.
func (c *connContext) setUpstream(conn *trackedConn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		if err := conn.Close(); err != nil && !isClosedConnError(err) {
			c.log.Debug("Error closing upstream connection: %v", err)
		}
		return false
	}
	c.upstream = conn
	return true
}

func (c *connContext) bytesSent() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upstream == nil {
		return 0
	}
	return c.upstream.BytesSent()
}

func (c *connContext) bytesReceived() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upstream == nil {
		return 0
	}
	return c.upstream.BytesReceived()
}

// close releases both sockets. Safe to call more than once.
func (c *connContext) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		if c.upstream != nil {
			if err := c.upstream.Close(); err != nil && !isClosedConnError(err) {
				c.log.Debug("Error closing upstream connection: %v", err)
			}
		}
		if err := c.client.Close(); err != nil && !isClosedConnError(err) {
			c.log.Debug("Error closing client connection: %v", err)
		}
		if c.state != StateClosed {
			_ = c.transitionLocked(StateClosed)
		}
	})
}
