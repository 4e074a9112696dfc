package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/fathom-labs/appwarden/pkg/contracts"
)

// PostgresSink persists audit records in Postgres. Insert-only, like every
// other sink.
type PostgresSink struct {
	db *sql.DB
}

// OpenPostgresSink connects with the given DSN and migrates the table.
func OpenPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	s := &PostgresSink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSink wraps an existing handle without migrating (used by
// tests with sqlmock).
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_records (
        seq BIGSERIAL PRIMARY KEY,
        actor TEXT NOT NULL,
        timestamp TIMESTAMPTZ NOT NULL,
        target_project TEXT NOT NULL,
        operation_id TEXT NOT NULL,
        outcome TEXT NOT NULL,
        correlation_id TEXT NOT NULL,
        details JSONB
    );`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("audit: postgres migration failed: %w", err)
	}
	return nil
}

// Append inserts one record.
func (s *PostgresSink) Append(ctx context.Context, r contracts.AuditRecord) error {
	detailsJSON, err := json.Marshal(r.Details)
	if err != nil {
		return fmt.Errorf("audit: details marshal failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_records (actor, timestamp, target_project, operation_id, outcome, correlation_id, details)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.Actor, r.Timestamp.UTC(), r.TargetProject, r.OperationID, string(r.Outcome), r.CorrelationID, string(detailsJSON),
	)
	if err != nil {
		return fmt.Errorf("audit: postgres insert failed: %w", err)
	}
	return nil
}

// List returns every record in append order.
func (s *PostgresSink) List(ctx context.Context) ([]contracts.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor, timestamp, target_project, operation_id, outcome, correlation_id, details
         FROM audit_records ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("audit: postgres query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AuditRecord
	for rows.Next() {
		var (
			r           contracts.AuditRecord
			outcome     string
			detailsJSON sql.NullString
		)
		if err := rows.Scan(&r.Actor, &r.Timestamp, &r.TargetProject, &r.OperationID, &outcome, &r.CorrelationID, &detailsJSON); err != nil {
			return nil, err
		}
		r.Outcome = contracts.AuditOutcome(outcome)
		if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "null" {
			_ = json.Unmarshal([]byte(detailsJSON.String), &r.Details)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying handle.
func (s *PostgresSink) Close() error { return s.db.Close() }
