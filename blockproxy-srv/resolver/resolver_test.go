package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/codefionn/blockproxy/blockproxy-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesSystemResolverWhenDisabled(t *testing.T) {
	assert.Same(t, net.DefaultResolver, New(config.DNSConfig{}))
	assert.Same(t, net.DefaultResolver, New(config.DNSConfig{Enabled: true}))
}

func TestNewUsesCustomDial(t *testing.T) {
	r := New(config.DNSConfig{
		Enabled: true,
		Servers: []config.DNSServerConfig{{Address: "127.0.0.1:53", Type: config.DNSTypeUDP}},
	})
	require.NotSame(t, net.DefaultResolver, r)
	assert.True(t, r.PreferGo)
	assert.NotNil(t, r.Dial)
}

func TestDialRoundRobin(t *testing.T) {
	accepted := make(chan int, 4)
	var servers []config.DNSServerConfig
	for i := 0; i < 2; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = ln.Close() })

		go func(id int, ln net.Listener) {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				accepted <- id
				_ = conn.Close()
			}
		}(i, ln)

		servers = append(servers, config.DNSServerConfig{
			Address:        ln.Addr().String(),
			Type:           config.DNSTypeTCP,
			TimeoutSeconds: 2,
		})
	}

	r := NewResolver(servers)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []int
	for i := 0; i < 3; i++ {
		conn, err := r.Dial(ctx, "udp", "ignored:53")
		require.NoError(t, err)
		_ = conn.Close()
		select {
		case id := <-accepted:
			got = append(got, id)
		case <-ctx.Done():
			t.Fatal("timed out waiting for DNS server connection")
		}
	}
	assert.Equal(t, []int{0, 1, 0}, got)
}

func TestDialUnsupportedType(t *testing.T) {
	r := NewResolver([]config.DNSServerConfig{{Address: "127.0.0.1:53", Type: "doh"}})
	_, err := r.Dial(context.Background(), "udp", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported DNS server type")
}
