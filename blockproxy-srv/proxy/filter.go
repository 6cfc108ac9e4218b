package proxy

import (
	"github.com/codefionn/blockproxy/blockproxy-srv/logger"
	"github.com/codefionn/blockproxy/blockproxy-srv/metrics"
)

// Filter decides whether a destination host is denied.
type Filter struct {
	blocklist Blocklist
	metrics   *metrics.Metrics
}

// NewFilter creates a Filter over blocklist. m may be nil.
func NewFilter(blocklist Blocklist, m *metrics.Metrics) *Filter {
	return &Filter{blocklist: blocklist, metrics: m}
}

// IsBlocked reports whether host is on the blocklist. Lookup failures allow
// the host.
func (f *Filter) IsBlocked(host string) bool {
	if f.blocklist == nil {
		return false
	}
	blocked, err := f.blocklist.Contains(host)
	if err != nil {
		logger.Warn("Blocklist lookup for %s failed, allowing: %v", host, err)
		return false
	}
	if blocked {
		f.metrics.RecordBlocked()
	}
	return blocked
}
