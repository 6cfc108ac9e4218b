package config

import "time"

// DNSType is the transport used to reach a DNS server.
type DNSType string

const (
	DNSTypeUDP DNSType = "udp"
	DNSTypeTCP DNSType = "tcp"
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig describes one upstream DNS server.
type DNSServerConfig struct {
	Address        string  `hcl:"address"` // host:port or [IPv6]:port
	Type           DNSType `hcl:"type,optional"`
	TimeoutSeconds int     `hcl:"timeout-seconds,optional"`
	TLSHost        string  `hcl:"tls-host,optional"` // SNI name, DoT only
}

// Timeout returns the per-query timeout.
func (d DNSServerConfig) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DNSConfig selects between the system resolver and a custom server list.
type DNSConfig struct {
	Enabled bool
	Servers []DNSServerConfig
}

// DefaultDNSConfig returns the system resolver setting with public servers
// preloaded for when custom DNS is switched on without a server list.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Servers: []DNSServerConfig{
			{Address: "8.8.8.8:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
			{Address: "1.1.1.1:53", Type: DNSTypeUDP, TimeoutSeconds: 10},
		},
	}
}
