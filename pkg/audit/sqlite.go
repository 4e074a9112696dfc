package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fathom-labs/appwarden/pkg/contracts"
)

// SQLiteSink persists audit records in a local SQLite database. The table
// is insert-only; no update or delete statements exist in this package.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (or creates) the database at path and migrates the
// audit table.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite %q: %w", path, err)
	}
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteSink wraps an existing handle (used by tests).
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_records (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        actor TEXT NOT NULL,
        timestamp TEXT NOT NULL,
        target_project TEXT NOT NULL,
        operation_id TEXT NOT NULL,
        outcome TEXT NOT NULL,
        correlation_id TEXT NOT NULL,
        details JSON
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("audit: sqlite migration failed: %w", err)
	}
	return nil
}

// Append inserts one record.
func (s *SQLiteSink) Append(ctx context.Context, r contracts.AuditRecord) error {
	detailsJSON, err := json.Marshal(r.Details)
	if err != nil {
		return fmt.Errorf("audit: details marshal failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_records (actor, timestamp, target_project, operation_id, outcome, correlation_id, details)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Actor,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.TargetProject,
		r.OperationID,
		string(r.Outcome),
		r.CorrelationID,
		string(detailsJSON),
	)
	if err != nil {
		return fmt.Errorf("audit: sqlite insert failed: %w", err)
	}
	return nil
}

// List returns every record in append order.
func (s *SQLiteSink) List(ctx context.Context) ([]contracts.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor, timestamp, target_project, operation_id, outcome, correlation_id, details
         FROM audit_records ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("audit: sqlite query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AuditRecord
	for rows.Next() {
		var (
			r           contracts.AuditRecord
			ts          string
			outcome     string
			detailsJSON sql.NullString
		)
		if err := rows.Scan(&r.Actor, &ts, &r.TargetProject, &r.OperationID, &outcome, &r.CorrelationID, &detailsJSON); err != nil {
			return nil, err
		}
		r.Outcome = contracts.AuditOutcome(outcome)
		r.Timestamp = parseTime(ts)
		if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "null" {
			_ = json.Unmarshal([]byte(detailsJSON.String), &r.Details)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying handle.
func (s *SQLiteSink) Close() error { return s.db.Close() }

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
