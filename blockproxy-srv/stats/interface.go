package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting proxy statistics
type Collector interface {
	// StartConnection records an accepted connection once its destination is
	// known and returns an id for the calls below.
	StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int, method string) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// RecordOutcome stores the terminal status (200, 403, 502) and, for
	// failures, the error code that caused it.
	RecordOutcome(ctx context.Context, connectionID int64, statusCode int, errorCode string) error

	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error
	RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error

	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetTopHosts(ctx context.Context, limit int) ([]HostStats, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64         `json:"total_connections"`
	ActiveConnections int64         `json:"active_connections"`
	BlockedRequests   int64         `json:"blocked_requests"`
	TotalErrors       int64         `json:"total_errors"`
	TotalBytesIn      int64         `json:"total_bytes_in"`
	TotalBytesOut     int64         `json:"total_bytes_out"`
	StatusCounts      map[int]int64 `json:"status_counts"`
}

// HostStats summarizes the connections to one destination host.
type HostStats struct {
	Host            string    `json:"host"`
	ConnectionCount int64     `json:"connection_count"`
	TotalBytes      int64     `json:"total_bytes"`
	LastAccess      time.Time `json:"last_access"`
}
