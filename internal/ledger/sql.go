package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evermail/dispatch/internal/store"
)

// SQLLedger persists records in the shared engine database. The primary
// key on job_id enforces the at-most-one-record invariant even across
// racing workers after a lease timeout.
type SQLLedger struct {
	db     *sql.DB
	driver string
}

var _ Ledger = (*SQLLedger)(nil)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS delivery_records (
	job_id              TEXT PRIMARY KEY,
	final_state         TEXT NOT NULL,
	provider_code       TEXT NOT NULL DEFAULT '',
	provider_message_id TEXT NOT NULL DEFAULT '',
	reason              TEXT NOT NULL DEFAULT '',
	recorded_at         TIMESTAMP NOT NULL
)`

func NewSQLLedger(db *sql.DB, driver string) (*SQLLedger, error) {
	if _, err := db.Exec(ledgerSchema); err != nil {
		return nil, fmt.Errorf("failed to create delivery_records table: %w", err)
	}
	return &SQLLedger{db: db, driver: driver}, nil
}

func (l *SQLLedger) Record(ctx context.Context, rec Record) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		store.Rebind(l.driver, `SELECT job_id FROM delivery_records WHERE job_id = ?`),
		rec.JobID).Scan(&existing)
	if err == nil {
		return ErrAlreadyRecorded
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check existing record: %w", err)
	}

	_, err = tx.ExecContext(ctx, store.Rebind(l.driver, `
		INSERT INTO delivery_records (job_id, final_state, provider_code, provider_message_id, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		rec.JobID, rec.FinalState, rec.ProviderCode, rec.ProviderMessageID,
		rec.Reason, rec.RecordedAt)
	if err != nil {
		// A racing worker may have inserted between our check and the
		// insert; the primary key still holds, report idempotently.
		return ErrAlreadyRecorded
	}

	return tx.Commit()
}

func (l *SQLLedger) Get(ctx context.Context, jobID string) (Record, error) {
	row := l.db.QueryRowContext(ctx, store.Rebind(l.driver, `
		SELECT job_id, final_state, provider_code, provider_message_id, reason, recorded_at
		FROM delivery_records WHERE job_id = ?`), jobID)

	var rec Record
	err := row.Scan(&rec.JobID, &rec.FinalState, &rec.ProviderCode,
		&rec.ProviderMessageID, &rec.Reason, &rec.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load record: %w", err)
	}
	return rec, nil
}

func (l *SQLLedger) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, store.Rebind(l.driver, `
		SELECT job_id, final_state, provider_code, provider_message_id, reason, recorded_at
		FROM delivery_records ORDER BY recorded_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.JobID, &rec.FinalState, &rec.ProviderCode,
			&rec.ProviderMessageID, &rec.Reason, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
