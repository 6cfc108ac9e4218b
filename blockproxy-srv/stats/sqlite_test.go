package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteCollector(t *testing.T) *SQLiteCollector {
	t.Helper()
	collector, err := NewSQLiteCollector(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = collector.Close() })
	return collector
}

func TestSQLiteCollectorConnectionLifecycle(t *testing.T) {
	collector := newTestSQLiteCollector(t)
	ctx := context.Background()

	id, err := collector.StartConnection(ctx, "uuid-1", "127.0.0.1", "example.com", 80, "GET")
	require.NoError(t, err)
	assert.Positive(t, id)

	overview, err := collector.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.TotalConnections)
	assert.Equal(t, int64(1), overview.ActiveConnections)

	require.NoError(t, collector.RecordOutcome(ctx, id, 200, ""))
	require.NoError(t, collector.EndConnection(ctx, id, 100, 2048, 150*time.Millisecond, "upstream closed"))

	overview, err = collector.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), overview.ActiveConnections)
	assert.Equal(t, int64(100), overview.TotalBytesOut)
	assert.Equal(t, int64(2048), overview.TotalBytesIn)
	assert.Equal(t, map[int]int64{200: 1}, overview.StatusCounts)
}

func TestSQLiteCollectorOutcomesAndErrors(t *testing.T) {
	collector := newTestSQLiteCollector(t)
	ctx := context.Background()

	okID, err := collector.StartConnection(ctx, "uuid-ok", "10.0.0.1", "example.com", 80, "GET")
	require.NoError(t, err)
	failID, err := collector.StartConnection(ctx, "uuid-fail", "10.0.0.1", "unreachable.invalid", 443, "CONNECT")
	require.NoError(t, err)
	blockedID, err := collector.StartConnection(ctx, "uuid-blocked", "10.0.0.2", "ads.example", 80, "GET")
	require.NoError(t, err)

	require.NoError(t, collector.RecordOutcome(ctx, okID, 200, ""))
	require.NoError(t, collector.RecordOutcome(ctx, failID, 502, "E2008"))
	require.NoError(t, collector.RecordError(ctx, failID, "E2008", "no such host"))
	require.NoError(t, collector.RecordOutcome(ctx, blockedID, 403, "E7001"))
	require.NoError(t, collector.RecordBlockedRequest(ctx, "10.0.0.2", "ads.example", "blocklist"))
	require.NoError(t, collector.RecordError(ctx, 0, "E9903", "panic without connection"))

	overview, err := collector.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), overview.TotalConnections)
	assert.Equal(t, int64(2), overview.TotalErrors)
	assert.Equal(t, int64(1), overview.BlockedRequests)
	assert.Equal(t, map[int]int64{200: 1, 403: 1, 502: 1}, overview.StatusCounts)

	var errorCode string
	require.NoError(t, collector.db.QueryRow("SELECT error_code FROM connections WHERE id = ?", failID).Scan(&errorCode))
	assert.Equal(t, "E2008", errorCode)
}

func TestSQLiteCollectorTopHosts(t *testing.T) {
	collector := newTestSQLiteCollector(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	collector.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, host := range []string{"a.example", "b.example", "a.example", "c.example", "a.example", "b.example"} {
		id, err := collector.StartConnection(ctx, "uuid", "127.0.0.1", host, 80, "GET")
		require.NoError(t, err)
		require.NoError(t, collector.EndConnection(ctx, id, 10, 20, time.Millisecond, "done"))
	}

	hosts, err := collector.GetTopHosts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "a.example", hosts[0].Host)
	assert.Equal(t, int64(3), hosts[0].ConnectionCount)
	assert.Equal(t, int64(90), hosts[0].TotalBytes)
	assert.Equal(t, "b.example", hosts[1].Host)
	assert.Equal(t, int64(2), hosts[1].ConnectionCount)
	assert.True(t, hosts[0].LastAccess.After(base))
}

func TestSQLiteCollectorHealthCheck(t *testing.T) {
	collector := newTestSQLiteCollector(t)
	assert.NoError(t, collector.HealthCheck(context.Background()))
}

func TestRebind(t *testing.T) {
	s := &sqlStore{numberedParams: true}
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2", s.rebind("UPDATE t SET a = ? WHERE id = ?"))

	s.numberedParams = false
	assert.Equal(t, "SELECT ?", s.rebind("SELECT ?"))
}
