package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/evermail/dispatch/internal/message"
	"github.com/evermail/dispatch/internal/store"
)

// SQLStore is the production Store. The claim path re-checks
// eligibility inside the UPDATE, so two workers racing for the same
// job can never both win a lease.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

const jobSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY,
	account_id          TEXT NOT NULL,
	kind                TEXT NOT NULL,
	message             TEXT NOT NULL DEFAULT '',
	priority            INTEGER NOT NULL,
	state               TEXT NOT NULL,
	attempts            INTEGER NOT NULL DEFAULT 0,
	next_eligible       TIMESTAMP NOT NULL,
	lease_owner         TEXT NOT NULL DEFAULT '',
	lease_token         TEXT NOT NULL DEFAULT '',
	lease_expires       TIMESTAMP NULL,
	cancel_requested    INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT NOT NULL DEFAULT '',
	fail_reason         TEXT NOT NULL DEFAULT '',
	provider_message_id TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
)`

// NewSQLStore creates the jobs table and its indexes if needed.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if _, err := db.Exec(jobSchema); err != nil {
		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}
	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (state, next_eligible)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs (account_id, state)`,
	} {
		if _, err := db.Exec(idx); err != nil {
			return nil, fmt.Errorf("failed to create job index: %w", err)
		}
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) rebind(q string) string { return store.Rebind(s.driver, q) }

const jobColumns = `id, account_id, kind, message, priority, state, attempts,
	next_eligible, lease_owner, lease_token, lease_expires, cancel_requested,
	last_error, fail_reason, provider_message_id, created_at, updated_at`

func (s *SQLStore) Enqueue(ctx context.Context, job *Job) error {
	now := time.Now()
	created := job.CreatedAt
	if created.IsZero() {
		created = now
	}
	next := job.NextEligible
	if next.IsZero() {
		next = created
	}

	msgJSON := ""
	if job.Message != nil {
		data, err := json.Marshal(job.Message)
		if err != nil {
			return fmt.Errorf("failed to encode job message: %w", err)
		}
		msgJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.AccountID, job.Kind, msgJSON, job.Priority, job.State,
		job.Attempts, next, "", "", nil, 0, job.LastError, job.FailReason,
		job.ProviderMessageID, created, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var msgJSON string
	var leaseExpires sql.NullTime
	var cancelRequested int

	err := row.Scan(&job.ID, &job.AccountID, &job.Kind, &msgJSON,
		&job.Priority, &job.State, &job.Attempts, &job.NextEligible,
		&job.LeaseOwner, &job.LeaseToken, &leaseExpires, &cancelRequested,
		&job.LastError, &job.FailReason, &job.ProviderMessageID,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if leaseExpires.Valid {
		job.LeaseExpires = leaseExpires.Time
	}
	job.CancelRequested = cancelRequested != 0
	if msgJSON != "" {
		var msg message.Message
		if err := json.Unmarshal([]byte(msgJSON), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode job message: %w", err)
		}
		job.Message = &msg
	}
	return &job, nil
}

func (s *SQLStore) Claim(ctx context.Context, owner string, n int, leaseTTL time.Duration) ([]*Job, error) {
	if n <= 0 {
		return nil, nil
	}

	now := time.Now()
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id FROM jobs
		WHERE (state IN ('queued', 'retrying', 'rate-delayed') AND next_eligible <= ?)
		   OR (state = 'in-flight' AND lease_expires < ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`), now, now, n)
	if err != nil {
		return nil, fmt.Errorf("failed to select eligible jobs: %w", err)
	}

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []*Job
	for _, id := range candidates {
		// Re-check eligibility inside the update; a losing worker
		// affects zero rows and moves on. The fresh token invalidates
		// any lease a stalled previous holder still carries.
		token := uuid.New().String()
		res, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE jobs
			SET state = 'in-flight', lease_owner = ?, lease_token = ?, lease_expires = ?, updated_at = ?
			WHERE id = ?
			  AND ((state IN ('queued', 'retrying', 'rate-delayed') AND next_eligible <= ?)
			    OR (state = 'in-flight' AND lease_expires < ?))`),
			owner, token, now.Add(leaseTTL), now, id, now, now)
		if err != nil {
			return claimed, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}

		job, err := s.Get(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (s *SQLStore) Update(ctx context.Context, job *Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curToken string
	var curAttempts int
	var curNext time.Time
	var curCancel int
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT lease_token, attempts, next_eligible, cancel_requested FROM jobs WHERE id = ?`),
		job.ID).Scan(&curToken, &curAttempts, &curNext, &curCancel)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load job for update: %w", err)
	}
	if curToken != job.LeaseToken {
		return ErrStaleLease
	}

	next := job.NextEligible
	if next.Before(curNext) {
		next = curNext
	}
	attempts := job.Attempts
	if attempts < curAttempts {
		attempts = curAttempts
	}
	cancelRequested := 0
	if job.CancelRequested || curCancel != 0 {
		cancelRequested = 1
	}

	leaseOwner := job.LeaseOwner
	leaseToken := job.LeaseToken
	var leaseExpires interface{}
	if job.State.Terminal() || job.State.claimable() {
		leaseOwner = ""
		leaseToken = ""
	} else if !job.LeaseExpires.IsZero() {
		leaseExpires = job.LeaseExpires
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE jobs
		SET state = ?, attempts = ?, next_eligible = ?, lease_owner = ?,
		    lease_token = ?, lease_expires = ?, cancel_requested = ?,
		    last_error = ?, fail_reason = ?, provider_message_id = ?,
		    updated_at = ?
		WHERE id = ?`),
		job.State, attempts, next, leaseOwner, leaseToken, leaseExpires,
		cancelRequested, job.LastError, job.FailReason,
		job.ProviderMessageID, time.Now(), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) Cancel(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state State
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT state FROM jobs WHERE id = ?`), id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	switch {
	case state.Terminal():
		return ErrNotCancellable
	case state == StateInFlight:
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`),
			time.Now(), id)
	default:
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE jobs SET state = ?, fail_reason = ?, updated_at = ? WHERE id = ?`),
			StateCancelled, ReasonCancelled, time.Now(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) FailPending(ctx context.Context, accountID string, reason FailReason, detail string) ([]*Job, error) {
	now := time.Now()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id FROM jobs
		WHERE account_id = ? AND state IN ('queued', 'retrying', 'rate-delayed')`),
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var failed []*Job
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE jobs
			SET state = ?, fail_reason = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND state IN ('queued', 'retrying', 'rate-delayed')`),
			StateFailed, reason, detail, now, id)
		if err != nil {
			return failed, fmt.Errorf("failed to fail job %s: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}
		job, err := s.Get(ctx, id)
		if err != nil {
			return failed, err
		}
		failed = append(failed, job)
	}
	return failed, nil
}

func (s *SQLStore) Flush(ctx context.Context) (int, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs
		SET next_eligible = ?, updated_at = ?
		WHERE state IN ('queued', 'retrying', 'rate-delayed') AND next_eligible > ?`),
		now, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to flush deferred jobs: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (s *SQLStore) List(ctx context.Context, state State, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to collect stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return Stats{}, err
		}
		switch state {
		case StateQueued:
			st.Queued = count
		case StateRateDelayed:
			st.RateDelayed = count
		case StateInFlight:
			st.InFlight = count
		case StateRetrying:
			st.Retrying = count
		case StateSent:
			st.Sent = count
		case StateFailed:
			st.Failed = count
		case StateCancelled:
			st.Cancelled = count
		}
	}
	return st, rows.Err()
}
