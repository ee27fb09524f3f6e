package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evermail/dispatch/internal/store"
)

// SQLBackend persists credentials as sealed blobs in the shared engine
// database. With a nil sealer the blob is plain JSON.
type SQLBackend struct {
	db     *sql.DB
	driver string
	sealer *Sealer
}

var _ Backend = (*SQLBackend)(nil)

const credentialSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	account_id TEXT PRIMARY KEY,
	blob       BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// NewSQLBackend creates the credential table if needed.
func NewSQLBackend(db *sql.DB, driver string, sealer *Sealer) (*SQLBackend, error) {
	schema := credentialSchema
	if driver == "postgres" {
		// postgres has no BLOB type.
		schema = `
CREATE TABLE IF NOT EXISTS credentials (
	account_id TEXT PRIMARY KEY,
	blob       BYTEA NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create credentials table: %w", err)
	}
	return &SQLBackend{db: db, driver: driver, sealer: sealer}, nil
}

func (b *SQLBackend) Load(ctx context.Context, accountID string) (*Credential, error) {
	row := b.db.QueryRowContext(ctx,
		store.Rebind(b.driver, `SELECT blob FROM credentials WHERE account_id = ?`),
		accountID)

	var blob []byte
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	if b.sealer != nil {
		plain, err := b.sealer.Open(blob)
		if err != nil {
			return nil, err
		}
		blob = plain
	}

	var cred Credential
	if err := json.Unmarshal(blob, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &cred, nil
}

func (b *SQLBackend) Save(ctx context.Context, cred *Credential) error {
	blob, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	if b.sealer != nil {
		blob, err = b.sealer.Seal(blob)
		if err != nil {
			return err
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		store.Rebind(b.driver, `DELETE FROM credentials WHERE account_id = ?`),
		cred.AccountID); err != nil {
		return fmt.Errorf("failed to replace credential: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		store.Rebind(b.driver, `INSERT INTO credentials (account_id, blob, updated_at) VALUES (?, ?, ?)`),
		cred.AccountID, blob, time.Now()); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	return tx.Commit()
}

func (b *SQLBackend) Delete(ctx context.Context, accountID string) error {
	_, err := b.db.ExecContext(ctx,
		store.Rebind(b.driver, `DELETE FROM credentials WHERE account_id = ?`),
		accountID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
