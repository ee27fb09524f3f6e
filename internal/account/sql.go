package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evermail/dispatch/internal/store"
)

// SQLStore persists accounts in the shared engine database.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

const accountSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	email        TEXT NOT NULL,
	provider     TEXT NOT NULL,
	status       TEXT NOT NULL,
	rate_tier    INTEGER NOT NULL DEFAULT 0,
	smtp_host    TEXT NOT NULL DEFAULT '',
	smtp_port    INTEGER NOT NULL DEFAULT 0,
	imap_host    TEXT NOT NULL DEFAULT '',
	imap_port    INTEGER NOT NULL DEFAULT 0,
	sync_cursor  TEXT NOT NULL DEFAULT '',
	last_sent_at TIMESTAMP NULL,
	total_sent   BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
)`

// NewSQLStore creates the account store and ensures its schema exists.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if _, err := db.Exec(accountSchema); err != nil {
		return nil, fmt.Errorf("failed to create accounts table: %w", err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) rebind(q string) string { return store.Rebind(s.driver, q) }

func (s *SQLStore) Get(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, email, provider, status, rate_tier,
		       smtp_host, smtp_port, imap_host, imap_port, sync_cursor,
		       last_sent_at, total_sent, created_at, updated_at
		FROM accounts WHERE id = ?`), id)

	var acct Account
	var lastSent sql.NullTime
	err := row.Scan(&acct.ID, &acct.UserID, &acct.Email, &acct.Provider,
		&acct.Status, &acct.RateTier, &acct.SMTPHost, &acct.SMTPPort,
		&acct.IMAPHost, &acct.IMAPPort, &acct.SyncCursor,
		&lastSent, &acct.TotalSent, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if lastSent.Valid {
		acct.LastSentAt = lastSent.Time
	}
	return &acct, nil
}

func (s *SQLStore) Put(ctx context.Context, acct *Account) error {
	now := time.Now()
	created := acct.CreatedAt
	if created.IsZero() {
		created = now
	}

	// Upsert by delete-then-insert keeps the statement portable across
	// all three supported drivers.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM accounts WHERE id = ?`), acct.ID); err != nil {
		return fmt.Errorf("failed to replace account: %w", err)
	}

	var lastSent interface{}
	if !acct.LastSentAt.IsZero() {
		lastSent = acct.LastSentAt
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO accounts (id, user_id, email, provider, status, rate_tier,
			smtp_host, smtp_port, imap_host, imap_port, sync_cursor,
			last_sent_at, total_sent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		acct.ID, acct.UserID, acct.Email, acct.Provider, acct.Status,
		acct.RateTier, acct.SMTPHost, acct.SMTPPort, acct.IMAPHost,
		acct.IMAPPort, acct.SyncCursor, lastSent, acct.TotalSent,
		created, now)
	if err != nil {
		return fmt.Errorf("failed to store account: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) SetStatus(ctx context.Context, id string, status Status) error {
	return s.update(ctx, id, `UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`, status)
}

func (s *SQLStore) SetSyncCursor(ctx context.Context, id string, cursor string) error {
	return s.update(ctx, id, `UPDATE accounts SET sync_cursor = ?, updated_at = ? WHERE id = ?`, cursor)
}

func (s *SQLStore) update(ctx context.Context, id, query string, value interface{}) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), value, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) RecordSend(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE accounts SET last_sent_at = ?, total_sent = total_sent + 1, updated_at = ?
		WHERE id = ?`), at, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to record send: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, email, provider, status, rate_tier,
		       smtp_host, smtp_port, imap_host, imap_port, sync_cursor,
		       last_sent_at, total_sent, created_at, updated_at
		FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		var acct Account
		var lastSent sql.NullTime
		if err := rows.Scan(&acct.ID, &acct.UserID, &acct.Email, &acct.Provider,
			&acct.Status, &acct.RateTier, &acct.SMTPHost, &acct.SMTPPort,
			&acct.IMAPHost, &acct.IMAPPort, &acct.SyncCursor,
			&lastSent, &acct.TotalSent, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		if lastSent.Valid {
			acct.LastSentAt = lastSent.Time
		}
		out = append(out, &acct)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM accounts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
