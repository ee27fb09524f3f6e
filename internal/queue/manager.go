package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evermail/dispatch/internal/account"
	"github.com/evermail/dispatch/internal/events"
	"github.com/evermail/dispatch/internal/message"
	"github.com/evermail/dispatch/internal/metrics"
)

// JobStatus is the user-visible view of a job. Internal scheduling
// states collapse to "queued"; a rate-delayed job additionally exposes
// when it becomes eligible again.
type JobStatus struct {
	ID      string     `json:"id"`
	State   string     `json:"state"`
	Reason  string     `json:"reason,omitempty"`
	RetryAt *time.Time `json:"retry_at,omitempty"`

	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// Manager is the submission surface of the queue: it validates, assigns
// ids, persists, and reports status. Processing belongs to the worker
// pool.
type Manager struct {
	store    Store
	accounts account.Store
	sink     *events.Sink
	rec      *metrics.Recorder
	logger   *slog.Logger
}

func NewManager(store Store, accounts account.Store, sink *events.Sink, rec *metrics.Recorder) *Manager {
	return &Manager{
		store:    store,
		accounts: accounts,
		sink:     sink,
		rec:      rec,
		logger:   slog.Default().With("component", "queue-manager"),
	}
}

// Submit validates and enqueues a send job, returning its id. The
// message must name at least one recipient; the account must exist and
// not be suspended.
func (m *Manager) Submit(ctx context.Context, accountID string, msg *message.Message, priority Priority) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", fmt.Errorf("invalid message: %w", err)
	}

	acct, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acct.Status == account.StatusSuspended {
		return "", fmt.Errorf("account %s is suspended", accountID)
	}
	if acct.Status == account.StatusCredentialExpired {
		return "", fmt.Errorf("account %s needs to reconnect its mailbox", accountID)
	}

	if priority < PriorityLow || priority > PriorityCritical {
		priority = PriorityNormal
	}

	now := time.Now()
	job := &Job{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Kind:         KindSend,
		Message:      msg,
		Priority:     priority,
		State:        StateQueued,
		NextEligible: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.store.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	m.logger.Info("job enqueued",
		"job_id", job.ID,
		"account_id", accountID,
		"recipients", msg.RecipientCount(),
		"priority", priority)

	if m.rec != nil {
		m.rec.JobsEnqueued.WithLabelValues(string(KindSend), fmt.Sprintf("%d", priority)).Inc()
	}
	m.sink.Publish(events.Event{
		Type:      events.TypeJobEnqueued,
		JobID:     job.ID,
		AccountID: accountID,
		Detail:    map[string]interface{}{"recipients": msg.RecipientCount()},
	})

	return job.ID, nil
}

// EnqueueSync queues an inbound sync pass for an account. Sync jobs run
// at low priority so they never starve sends.
func (m *Manager) EnqueueSync(ctx context.Context, accountID string) (string, error) {
	if _, err := m.accounts.Get(ctx, accountID); err != nil {
		return "", err
	}

	now := time.Now()
	job := &Job{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Kind:         KindSync,
		Priority:     PriorityLow,
		State:        StateQueued,
		NextEligible: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.store.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("failed to enqueue sync job: %w", err)
	}

	if m.rec != nil {
		m.rec.JobsEnqueued.WithLabelValues(string(KindSync), fmt.Sprintf("%d", PriorityLow)).Inc()
	}

	return job.ID, nil
}

// Cancel cancels a job. Waiting jobs cancel immediately; an in-flight
// job is flagged and settles after its current attempt. Terminal jobs
// return ErrNotCancellable.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if err := m.store.Cancel(ctx, id); err != nil {
		return err
	}

	m.logger.Info("job cancel requested", "job_id", id)
	m.sink.Publish(events.Event{Type: events.TypeJobCancelled, JobID: id})
	return nil
}

// Status reports the user-visible state of a job.
func (m *Manager) Status(ctx context.Context, id string) (*JobStatus, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	st := &JobStatus{
		ID:                job.ID,
		ProviderMessageID: job.ProviderMessageID,
	}

	switch job.State {
	case StateQueued, StateRetrying:
		st.State = "queued"
	case StateRateDelayed:
		st.State = "rate-delayed"
		retry := job.NextEligible
		st.RetryAt = &retry
	case StateInFlight:
		st.State = "sending"
	case StateSent:
		st.State = "sent"
	case StateFailed:
		st.State = "failed"
		st.Reason = string(job.FailReason)
		if job.LastError != "" {
			st.Reason = fmt.Sprintf("%s: %s", job.FailReason, job.LastError)
		}
	case StateCancelled:
		st.State = "cancelled"
	default:
		st.State = string(job.State)
	}

	return st, nil
}

// Stats exposes queue depth by state.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	return m.store.Stats(ctx)
}

// List returns jobs in a given state, newest first, for the operator
// CLI and the API.
func (m *Manager) List(ctx context.Context, state State, limit int) ([]*Job, error) {
	return m.store.List(ctx, state, limit)
}
