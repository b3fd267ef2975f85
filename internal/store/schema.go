package store

import (
	"context"
	"fmt"
	"strings"
)

// schema is portable DDL; {{TS}} and {{BLOB}} are substituted per dialect.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    specialization TEXT NOT NULL DEFAULT '[]',
    location TEXT NOT NULL DEFAULT '',
    lat DOUBLE PRECISION,
    lng DOUBLE PRECISION,
    last_location_update {{TS}},
    technician_status TEXT NOT NULL DEFAULT '',
    on_duty BOOLEAN NOT NULL DEFAULT FALSE,
    availability BOOLEAN NOT NULL DEFAULT TRUE,
    fcm_token TEXT NOT NULL DEFAULT '',
    created_at {{TS}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);

CREATE TABLE IF NOT EXISTS token_counters (
    year INTEGER PRIMARY KEY,
    seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS work_requests (
    id TEXT PRIMARY KEY,
    token TEXT NOT NULL UNIQUE,
    client_id TEXT NOT NULL,
    assigned_technician TEXT NOT NULL DEFAULT '',
    service_type TEXT NOT NULL DEFAULT '',
    specialization TEXT NOT NULL DEFAULT '[]',
    description TEXT NOT NULL DEFAULT '',
    location TEXT NOT NULL DEFAULT '',
    lat DOUBLE PRECISION,
    lng DOUBLE PRECISION,
    work_date {{TS}},
    formatted_date TEXT NOT NULL DEFAULT '',
    work_time TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    service_charge DOUBLE PRECISION NOT NULL DEFAULT 0,
    payment TEXT NOT NULL DEFAULT '',
    before_photo TEXT NOT NULL DEFAULT '',
    after_photo TEXT NOT NULL DEFAULT '',
    bill_id TEXT NOT NULL DEFAULT '',
    booking_id TEXT NOT NULL DEFAULT '',
    selected_route_index INTEGER,
    issue_type TEXT NOT NULL DEFAULT '',
    remarks TEXT NOT NULL DEFAULT '',
    created_at {{TS}} NOT NULL,
    updated_at {{TS}} NOT NULL,
    started_at {{TS}},
    completed_at {{TS}}
);
CREATE INDEX IF NOT EXISTS idx_work_status ON work_requests(status);
CREATE INDEX IF NOT EXISTS idx_work_technician ON work_requests(assigned_technician, status);
CREATE INDEX IF NOT EXISTS idx_work_client ON work_requests(client_id);

CREATE TABLE IF NOT EXISTS bookings (
    id TEXT PRIMARY KEY,
    work_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    technician_id TEXT NOT NULL,
    service_type TEXT NOT NULL DEFAULT '',
    service_charge DOUBLE PRECISION NOT NULL DEFAULT 0,
    description TEXT NOT NULL DEFAULT '',
    location TEXT NOT NULL DEFAULT '',
    lat DOUBLE PRECISION,
    lng DOUBLE PRECISION,
    booking_date {{TS}},
    formatted_date TEXT NOT NULL DEFAULT '',
    booking_time TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    created_at {{TS}} NOT NULL,
    updated_at {{TS}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bookings_work ON bookings(work_id);
CREATE INDEX IF NOT EXISTS idx_bookings_dup ON bookings(client_id, technician_id, service_type, status);

CREATE TABLE IF NOT EXISTS bills (
    id TEXT PRIMARY KEY,
    invoice_number TEXT NOT NULL UNIQUE,
    work_id TEXT NOT NULL UNIQUE,
    technician_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    items TEXT NOT NULL DEFAULT '[]',
    service_charge DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_amount DOUBLE PRECISION NOT NULL,
    payment_method TEXT NOT NULL,
    payment_status TEXT NOT NULL,
    upi_uri TEXT NOT NULL DEFAULT '',
    created_at {{TS}} NOT NULL,
    paid_at {{TS}}
);
CREATE INDEX IF NOT EXISTS idx_bills_technician ON bills(technician_id);

CREATE TABLE IF NOT EXISTS admin_notifications (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    message TEXT NOT NULL,
    work_id TEXT NOT NULL,
    technician_id TEXT NOT NULL,
    issue_type TEXT NOT NULL DEFAULT '',
    remarks TEXT NOT NULL DEFAULT '',
    created_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    events TEXT NOT NULL,
    secret TEXT NOT NULL DEFAULT '',
    created_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    url TEXT NOT NULL,
    secret TEXT NOT NULL DEFAULT '',
    payload {{BLOB}} NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at {{TS}} NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    response_code INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    dedup_key TEXT NOT NULL,
    delivered_at {{TS}},
    created_at {{TS}} NOT NULL,
    updated_at {{TS}} NOT NULL,
    UNIQUE (event_type, url, dedup_key)
);
CREATE INDEX IF NOT EXISTS idx_deliveries_due ON webhook_deliveries(status, next_attempt_at);

CREATE TABLE IF NOT EXISTS webhook_dlq (
    id TEXT PRIMARY KEY,
    delivery_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    url TEXT NOT NULL,
    payload {{BLOB}} NOT NULL,
    attempts INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    created_at {{TS}} NOT NULL
)
`

func (d Dialect) ddl() string {
	ts, blob := "TIMESTAMPTZ", "BYTEA"
	if d == SQLite {
		ts, blob = "TIMESTAMP", "BLOB"
	}
	return strings.NewReplacer("{{TS}}", ts, "{{BLOB}}", blob).Replace(schema)
}

// migrate creates missing tables. Statements run one at a time so the same DDL
// works on drivers that reject multi-statement Exec.
func (s *SQL) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.dialect.ddl(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
