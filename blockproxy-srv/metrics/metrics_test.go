package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordOutcome(200)
	m.RecordOutcome(200)
	m.RecordOutcome(502)
	m.RecordBlocked()
	m.RecordConnectFailure("E2008")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.AddBytes(DirectionUpstream, 10)
	m.AddBytes(DirectionDownstream, 0)
	m.RecordRejected()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomes.WithLabelValues("200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("502")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blocked))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectFailures.WithLabelValues("E2008")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConnections))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.bytesRelayed.WithLabelValues(DirectionUpstream)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordOutcome(200)
		m.RecordBlocked()
		m.RecordConnectFailure("E2001")
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.AddBytes(DirectionUpstream, 1)
		m.RecordRejected()
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordOutcome(403)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `blockproxy_connection_outcomes_total{status="403"} 1`)
	assert.Contains(t, string(body), "blockproxy_active_connections 0")
}
