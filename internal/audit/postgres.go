package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/lib/pq"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS governance_audit (
	id BIGSERIAL PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	category TEXT NOT NULL,
	action TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT,
	request_id TEXT,
	data JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresSink persists audit events to Postgres.
type PostgresSink struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresSink connects to dsn and ensures the audit table exists.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure audit schema: %w", err)
	}
	return &PostgresSink{db: db, timeout: 5 * time.Second}, nil
}

// Record inserts one event.
func (s *PostgresSink) Record(ctx context.Context, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal audit data: %w", err)
	}

	query := `
		INSERT INTO governance_audit (ts, category, action, outcome, reason, request_id, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := s.db.ExecContext(ctx, query,
		event.Time, event.Category, event.Action, event.Outcome,
		event.Reason, event.RequestID, dataJSON); err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			return fmt.Errorf("audit insert failed (%s): %w", pqErr.Code, err)
		}
		return fmt.Errorf("audit insert failed: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *PostgresSink) Close() error { return s.db.Close() }
