package proxy

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateAccepted, StateParsed, true},
		{StateAccepted, StateParseFailed, true},
		{StateAccepted, StateClosed, true},
		{StateAccepted, StateRelaying, false},
		{StateParsed, StateBlocked, true},
		{StateParsed, StateConnecting, true},
		{StateParsed, StateRelaying, false},
		{StateParseFailed, StateClosed, true},
		{StateParseFailed, StateParsed, false},
		{StateBlocked, StateConnecting, false},
		{StateBlocked, StateClosed, true},
		{StateConnecting, StateConnectFailed, true},
		{StateConnecting, StateRelaying, true},
		{StateConnectFailed, StateRelaying, false},
		{StateRelaying, StateClosed, true},
		{StateRelaying, StateConnecting, false},
		{StateClosed, StateClosed, false},
		{StateClosed, StateAccepted, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CONNECT_FAILED", StateConnectFailed.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestConnContextTransition(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cc := newConnContext(server, 64, 0)
	require.NoError(t, cc.transition(StateParsed))

	err := cc.transition(StateRelaying)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidStateTransition, ErrorCode(err))
	assert.Equal(t, StateParsed, cc.state)

	cc.close()
	assert.Equal(t, StateClosed, cc.state)
	cc.close()
	assert.Equal(t, StateClosed, cc.state)
}

func TestSetUpstreamAfterClose(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	cc := newConnContext(server, 64, 0)
	cc.close()

	near, far := net.Pipe()
	defer far.Close()
	assert.False(t, cc.setUpstream(newTrackedConn(near, nil)))
	assert.Nil(t, cc.upstream)

	_, err := near.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestPeekRequest(t *testing.T) {
	t.Run("waits for header terminator", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		cc := newConnContext(server, 4096, time.Second)
		defer cc.close()

		go func() {
			_, _ = client.Write([]byte("GET http://a.test/ HTTP/1.1\r\n"))
			_, _ = client.Write([]byte("Host: a.test\r\n\r\n"))
		}()

		buf, err := cc.peekRequest()
		require.NoError(t, err)
		assert.Equal(t, "GET http://a.test/ HTTP/1.1\r\nHost: a.test\r\n\r\n", string(buf))
		assert.Equal(t, len(buf), cc.reader.Buffered(), "peeked bytes must stay buffered")
	})

	t.Run("stops at full buffer", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		cc := newConnContext(server, 16, time.Second)
		defer cc.close()

		go func() {
			_, _ = client.Write([]byte("GET http://a.test/long/path HTTP/1.1\r\n"))
		}()

		buf, err := cc.peekRequest()
		require.NoError(t, err)
		assert.Len(t, buf, 16)
	})

	t.Run("returns partial data when client stops", func(t *testing.T) {
		client, server := net.Pipe()
		cc := newConnContext(server, 4096, time.Second)
		defer cc.close()

		go func() {
			_, _ = client.Write([]byte("GET http://a.test/ HTTP/1.1\r\n"))
			_ = client.Close()
		}()

		buf, err := cc.peekRequest()
		require.NoError(t, err)
		assert.Equal(t, "GET http://a.test/ HTTP/1.1\r\n", string(buf))
	})

	t.Run("no data", func(t *testing.T) {
		client, server := net.Pipe()
		cc := newConnContext(server, 4096, time.Second)
		defer cc.close()
		_ = client.Close()

		buf, err := cc.peekRequest()
		require.Error(t, err)
		assert.Empty(t, buf)
	})
}
