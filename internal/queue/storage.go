package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrNotCancellable means the job already reached a terminal state.
	ErrNotCancellable = errors.New("job cannot be cancelled")
	// ErrStaleLease means an update came from a worker whose lease was
	// reclaimed.
	ErrStaleLease = errors.New("job lease no longer held")
)

// Store is the durable at-least-once queue backing. Any implementation
// must provide exclusive time-bound leases: Claim hands a job to
// exactly one owner until the lease expires, after which the job is
// reclaimable by anyone.
type Store interface {
	// Enqueue persists a new job in its initial state.
	Enqueue(ctx context.Context, job *Job) error

	Get(ctx context.Context, id string) (*Job, error)

	// Claim leases up to n eligible jobs for owner, issuing each a
	// fresh lease token. Eligible means a claimable state with
	// next_eligible in the past, or an in-flight job whose lease
	// expired; ordered by priority then creation time.
	Claim(ctx context.Context, owner string, n int, leaseTTL time.Duration) ([]*Job, error)

	// Update persists a worker's state transition, compared-and-swapped
	// on the job's lease token. It fails with ErrStaleLease when the
	// token no longer matches (the lease was reclaimed), and silently
	// preserves the invariants that next_eligible never moves backward
	// and attempts never decrease.
	Update(ctx context.Context, job *Job) error

	// Cancel marks a waiting job cancelled, or flags an in-flight job
	// so its worker observes cancellation after the current attempt.
	Cancel(ctx context.Context, id string) error

	// FailPending moves every non-terminal, non-leased job for an
	// account to failed and returns the affected jobs. Used when an
	// account's credential is revoked.
	FailPending(ctx context.Context, accountID string, reason FailReason, detail string) ([]*Job, error)

	// Flush makes every deferred waiting job eligible immediately and
	// reports how many were touched.
	Flush(ctx context.Context) (int, error)

	List(ctx context.Context, state State, limit int) ([]*Job, error)
	Stats(ctx context.Context) (Stats, error)
}
