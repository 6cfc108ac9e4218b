// Package resolver builds the net.Resolver used for upstream name lookups.
package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/codefionn/blockproxy/blockproxy-srv/config"
	"github.com/codefionn/blockproxy/blockproxy-srv/logger"
)

// Resolver dials the configured DNS servers in round-robin order.
type Resolver struct {
	servers   []config.DNSServerConfig
	next      atomic.Uint32
	tlsConfig *tls.Config
}

// NewResolver creates a Resolver for the given servers.
func NewResolver(servers []config.DNSServerConfig) *Resolver {
	return &Resolver{
		servers: servers,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// New returns a net.Resolver for cfg. Without custom DNS it falls back to the
// system resolver.
func New(cfg config.DNSConfig) *net.Resolver {
	if !cfg.Enabled || len(cfg.Servers) == 0 {
		logger.Debug("Using system default DNS resolver")
		return net.DefaultResolver
	}

	logger.Info("Custom DNS resolver initialized with %d server(s)", len(cfg.Servers))
	for i, server := range cfg.Servers {
		logger.Info("  DNS Server %d: %s (%s)", i, server.Address, server.Type)
	}

	r := NewResolver(cfg.Servers)
	return &net.Resolver{
		PreferGo: true,
		Dial:     r.Dial,
	}
}

// Dial connects to the next DNS server. The network and address chosen by the
// Go resolver are ignored in favor of the configured server.
func (r *Resolver) Dial(ctx context.Context, _, _ string) (net.Conn, error) {
	idx := int(r.next.Add(1)-1) % len(r.servers)
	server := r.servers[idx]
	logger.Trace("Using DNS server %d: %s (%s)", idx, server.Address, server.Type)

	dialer := &net.Dialer{Timeout: server.Timeout()}

	switch server.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(server.Type), server.Address)

	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", server.Address)
		if err != nil {
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := r.tlsConfig.Clone()
		if server.TLSHost != "" {
			tlsConfig.ServerName = server.TLSHost
		} else if host, _, err := net.SplitHostPort(server.Address); err == nil {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, server.Timeout())
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", server.Type)
	}
}
