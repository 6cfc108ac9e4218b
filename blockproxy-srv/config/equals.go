package config

// HasChanged returns true if the configuration has changed compared to another config.
// Fields are compared explicitly so that new settings must opt in to triggering a restart.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress ||
		a.LogLevel != b.LogLevel ||
		a.BlocklistFile != b.BlocklistFile ||
		a.BlocklistReload != b.BlocklistReload ||
		a.BlocklistMatch != b.BlocklistMatch ||
		a.TimeoutSeconds != b.TimeoutSeconds ||
		a.IdleTimeoutSeconds != b.IdleTimeoutSeconds ||
		a.ReadBufferSize != b.ReadBufferSize ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.MetricsAddress != b.MetricsAddress {
		return true
	}
	if a.AccessLog != b.AccessLog || a.Statistics != b.Statistics {
		return true
	}
	if !dnsConfigEqual(a.DNS, b.DNS) {
		return true
	}
	return !forwardsSliceEqual(a.Forwards, b.Forwards)
}

func dnsConfigEqual(a, b DNSConfig) bool {
	if a.Enabled != b.Enabled || len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return false
		}
	}
	return true
}

// forwardsSliceEqual compares two slices of Forward for equality.
func forwardsSliceEqual(a, b []Forward) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !forwardEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func forwardEqual(a, b Forward) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch ta := a.(type) {
	case *ForwardSocks5:
		tb, ok := b.(*ForwardSocks5)
		return ok && ta.Address == tb.Address &&
			ta.ForceIPv4 == tb.ForceIPv4 &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password) &&
			stringSliceEqual(ta.HostList, tb.HostList)
	case *ForwardProxy:
		tb, ok := b.(*ForwardProxy)
		return ok && ta.Address == tb.Address &&
			ta.ForceIPv4 == tb.ForceIPv4 &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password) &&
			stringSliceEqual(ta.HostList, tb.HostList)
	default:
		return false
	}
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
