// Package ledger records the terminal outcome of every dispatch job.
// Records are append-only and idempotent on job id: re-recording an
// outcome is reported as ErrAlreadyRecorded, which callers treat as
// success.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyRecorded = errors.New("outcome already recorded for job")
	ErrNotFound        = errors.New("no record for job")
)

// Record is one immutable terminal outcome.
type Record struct {
	JobID             string    `json:"job_id"`
	FinalState        string    `json:"final_state"`
	ProviderCode      string    `json:"provider_code,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	RecordedAt        time.Time `json:"recorded_at"`
}

// Ledger persists delivery records. The analytics collaborator reads
// the same store through Get/List.
type Ledger interface {
	// Record appends the outcome for a job. A job id maps to at most
	// one record; the second and later attempts return
	// ErrAlreadyRecorded and leave the first record untouched.
	Record(ctx context.Context, rec Record) error
	Get(ctx context.Context, jobID string) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
}

// MemoryLedger is the in-process implementation used by tests.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
}

var _ Ledger = (*MemoryLedger)(nil)

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]Record)}
}

func (l *MemoryLedger) Record(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.records[rec.JobID]; ok {
		return ErrAlreadyRecorded
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	l.records[rec.JobID] = rec
	l.order = append(l.order, rec.JobID)
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, jobID string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[jobID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (l *MemoryLedger) List(_ context.Context, limit int) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.order)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Record, 0, n)
	for i := len(l.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.records[l.order[i]])
	}
	return out, nil
}
