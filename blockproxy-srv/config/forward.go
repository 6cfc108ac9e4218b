package config

// ForwardType defines the type of upstream forward.
type ForwardType int

const (
	// ForwardTypeSocks5 dials through a SOCKS5 server.
	ForwardTypeSocks5 ForwardType = iota + 1
	// ForwardTypeProxy dials through an HTTP proxy using CONNECT.
	ForwardTypeProxy
)

func (t ForwardType) String() string {
	switch t {
	case ForwardTypeSocks5:
		return "socks5"
	case ForwardTypeProxy:
		return "proxy"
	default:
		return "unknown"
	}
}

// Forward is an upstream hop used instead of a direct dial.
type Forward interface {
	Type() ForwardType
	GetAddress() string
	// Matches reports whether connections to host should use this forward.
	Matches(host string) bool
}

// ForwardSocks5 represents SOCKS5 proxy forwarding configuration.
type ForwardSocks5 struct {
	HostList  []string // Empty matches every host
	Address   string
	Username  *string
	Password  *string
	ForceIPv4 bool
}

func (c *ForwardSocks5) Type() ForwardType { return ForwardTypeSocks5 }
func (c *ForwardSocks5) GetAddress() string { return c.Address }
func (c *ForwardSocks5) Matches(host string) bool { return hostListMatches(c.HostList, host) }

// ForwardProxy represents HTTP proxy forwarding configuration.
type ForwardProxy struct {
	HostList  []string // Empty matches every host
	Address   string
	Username  *string
	Password  *string
	ForceIPv4 bool
}

func (c *ForwardProxy) Type() ForwardType { return ForwardTypeProxy }
func (c *ForwardProxy) GetAddress() string { return c.Address }
func (c *ForwardProxy) Matches(host string) bool { return hostListMatches(c.HostList, host) }

func hostListMatches(hosts []string, host string) bool {
	if len(hosts) == 0 {
		return true
	}
	for _, h := range hosts {
		if h == host {
			return true
		}
	}
	return false
}

// SelectForward returns the first forward matching host, or nil for a direct dial.
func SelectForward(forwards []Forward, host string) Forward {
	for _, fwd := range forwards {
		if fwd.Matches(host) {
			return fwd
		}
	}
	return nil
}
