package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process memory. It backs tests and
// single-node trial runs; the lease contract is identical to the SQL
// store's.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Enqueue(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.jobs[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) Claim(_ context.Context, owner string, n int, leaseTTL time.Duration) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	var eligible []*Job
	for _, job := range s.jobs {
		if s.eligible(job, now) {
			eligible = append(eligible, job)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if n > 0 && len(eligible) > n {
		eligible = eligible[:n]
	}

	out := make([]*Job, 0, len(eligible))
	for _, job := range eligible {
		job.State = StateInFlight
		job.LeaseOwner = owner
		job.LeaseToken = uuid.New().String()
		job.LeaseExpires = now.Add(leaseTTL)
		job.UpdatedAt = now

		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) eligible(job *Job, now time.Time) bool {
	if job.State.claimable() && !job.NextEligible.After(now) {
		return true
	}
	// Crashed worker: lease ran out while in flight.
	return job.State == StateInFlight && job.LeaseExpires.Before(now)
}

func (s *MemoryStore) Update(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.LeaseToken != job.LeaseToken {
		return ErrStaleLease
	}

	cp := *job
	cp.UpdatedAt = time.Now()
	// next_eligible only moves forward and attempts never decrease.
	if cp.NextEligible.Before(cur.NextEligible) {
		cp.NextEligible = cur.NextEligible
	}
	if cp.Attempts < cur.Attempts {
		cp.Attempts = cur.Attempts
	}
	// Preserve a cancel request raced in while the worker held the job.
	if cur.CancelRequested {
		cp.CancelRequested = true
	}
	if cp.State.Terminal() || cp.State.claimable() {
		cp.LeaseOwner = ""
		cp.LeaseToken = ""
		cp.LeaseExpires = time.Time{}
	}
	s.jobs[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}

	switch {
	case job.State.Terminal():
		return ErrNotCancellable
	case job.State == StateInFlight:
		job.CancelRequested = true
	default:
		job.State = StateCancelled
		job.FailReason = ReasonCancelled
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) FailPending(_ context.Context, accountID string, reason FailReason, detail string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var failed []*Job
	for _, job := range s.jobs {
		if job.AccountID != accountID || !job.State.claimable() {
			continue
		}
		job.State = StateFailed
		job.FailReason = reason
		job.LastError = detail
		job.UpdatedAt = now

		cp := *job
		failed = append(failed, &cp)
	}
	return failed, nil
}

func (s *MemoryStore) Flush(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	flushed := 0
	for _, job := range s.jobs {
		if !job.State.claimable() || !job.NextEligible.After(now) {
			continue
		}
		job.NextEligible = now
		job.UpdatedAt = now
		flushed++
	}
	return flushed, nil
}

func (s *MemoryStore) List(_ context.Context, state State, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, job := range s.jobs {
		if state != "" && job.State != state {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, job := range s.jobs {
		switch job.State {
		case StateQueued:
			st.Queued++
		case StateRateDelayed:
			st.RateDelayed++
		case StateInFlight:
			st.InFlight++
		case StateRetrying:
			st.Retrying++
		case StateSent:
			st.Sent++
		case StateFailed:
			st.Failed++
		case StateCancelled:
			st.Cancelled++
		}
	}
	return st, nil
}
