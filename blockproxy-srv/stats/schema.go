package stats

// Timestamps are stored as unix milliseconds so that both backends share
// aggregate queries.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_uuid TEXT NOT NULL,
		client_ip TEXT NOT NULL,
		target_host TEXT NOT NULL,
		target_port INTEGER NOT NULL,
		method TEXT NOT NULL,
		status_code INTEGER,
		error_code TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		bytes_sent INTEGER NOT NULL DEFAULT 0,
		bytes_received INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER,
		close_reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_target_host ON connections(target_host)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connection_id INTEGER REFERENCES connections(id),
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_ip TEXT NOT NULL,
		target_host TEXT NOT NULL,
		event_type TEXT NOT NULL,
		reason TEXT,
		timestamp INTEGER NOT NULL
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id BIGSERIAL PRIMARY KEY,
		connection_uuid TEXT NOT NULL,
		client_ip TEXT NOT NULL,
		target_host TEXT NOT NULL,
		target_port INTEGER NOT NULL,
		method TEXT NOT NULL,
		status_code INTEGER,
		error_code TEXT,
		started_at BIGINT NOT NULL,
		ended_at BIGINT,
		bytes_sent BIGINT NOT NULL DEFAULT 0,
		bytes_received BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT,
		close_reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_target_host ON connections(target_host)`,
	`CREATE TABLE IF NOT EXISTS errors (
		id BIGSERIAL PRIMARY KEY,
		connection_id BIGINT REFERENCES connections(id),
		error_type TEXT NOT NULL,
		error_message TEXT NOT NULL,
		timestamp BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id BIGSERIAL PRIMARY KEY,
		client_ip TEXT NOT NULL,
		target_host TEXT NOT NULL,
		event_type TEXT NOT NULL,
		reason TEXT,
		timestamp BIGINT NOT NULL
	)`,
}
