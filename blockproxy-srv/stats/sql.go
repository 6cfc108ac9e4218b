package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlStore implements Collector on top of database/sql. The queries are
// written with ? placeholders and rebound for drivers that number them.
type sqlStore struct {
	db             *sql.DB
	numberedParams bool
	now            func() time.Time
}

func (s *sqlStore) rebind(query string) string {
	if !s.numberedParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func (s *sqlStore) initSchema(statements []string) error {
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int, method string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO connections (connection_uuid, client_ip, target_host, target_port, method, started_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		connectionUUID, clientIP, targetHost, targetPort, method, s.now().UnixMilli()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

func (s *sqlStore) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		s.now().UnixMilli(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

func (s *sqlStore) RecordOutcome(ctx context.Context, connectionID int64, statusCode int, errorCode string) error {
	var code sql.NullString
	if errorCode != "" {
		code = sql.NullString{String: errorCode, Valid: true}
	}
	if err := s.exec(ctx, `UPDATE connections SET status_code = ?, error_code = ? WHERE id = ?`,
		statusCode, code, connectionID); err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

func (s *sqlStore) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	var connID sql.NullInt64
	if connectionID > 0 {
		connID = sql.NullInt64{Int64: connectionID, Valid: true}
	}
	if err := s.exec(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp) VALUES (?, ?, ?, ?)`,
		connID, errorType, errorMessage, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

func (s *sqlStore) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	if err := s.exec(ctx,
		`INSERT INTO security_events (client_ip, target_host, event_type, reason, timestamp)
		 VALUES (?, ?, 'blocked', ?, ?)`,
		clientIP, targetHost, reason, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

func (s *sqlStore) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{StatusCounts: make(map[int]int64)}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(bytes_sent), 0),
		        COALESCE(SUM(bytes_received), 0)
		 FROM connections`).Scan(&stats.TotalConnections, &stats.ActiveConnections, &stats.TotalBytesOut, &stats.TotalBytesIn)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection totals: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM errors").Scan(&stats.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to get total errors: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM security_events WHERE event_type = 'blocked'").Scan(&stats.BlockedRequests); err != nil {
		return nil, fmt.Errorf("failed to get blocked requests: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status_code, COUNT(*) FROM connections WHERE status_code IS NOT NULL GROUP BY status_code`)
	if err != nil {
		return nil, fmt.Errorf("failed to get status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code int
		var count int64
		if err := rows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status row: %w", err)
		}
		stats.StatusCounts[code] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status rows: %w", err)
	}

	return stats, nil
}

func (s *sqlStore) GetTopHosts(ctx context.Context, limit int) (hosts []HostStats, err error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT target_host, COUNT(*) AS connection_count,
		        COALESCE(SUM(bytes_sent + bytes_received), 0) AS total_bytes,
		        MAX(started_at) AS last_access
		 FROM connections
		 GROUP BY target_host
		 ORDER BY connection_count DESC, target_host ASC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top hosts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	hosts = []HostStats{}
	for rows.Next() {
		var h HostStats
		var lastAccess int64
		if err := rows.Scan(&h.Host, &h.ConnectionCount, &h.TotalBytes, &lastAccess); err != nil {
			return nil, fmt.Errorf("failed to scan host row: %w", err)
		}
		h.LastAccess = time.UnixMilli(lastAccess)
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate host rows: %w", err)
	}
	return hosts, nil
}

func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
