package queue

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/evermail/dispatch/internal/account"
	"github.com/evermail/dispatch/internal/events"
	"github.com/evermail/dispatch/internal/message"
	"github.com/evermail/dispatch/internal/metrics"
)

type managerFixture struct {
	mgr      *Manager
	store    *MemoryStore
	accounts *account.MemoryStore
	acct     *account.Account
}

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *account.Account) {
	t.Helper()
	f := newManagerFixture(t)
	return f.mgr, f.store, f.acct
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	store := NewMemoryStore()
	accounts := account.NewMemoryStore()
	acct := &account.Account{
		ID:       "acct-1",
		Email:    "user@example.com",
		Provider: account.ProviderGmail,
		Status:   account.StatusActive,
	}
	if err := accounts.Put(context.Background(), acct); err != nil {
		t.Fatalf("Failed to seed account: %v", err)
	}

	sink := events.NewSink(16)
	t.Cleanup(sink.Close)
	rec := metrics.NewRecorder(prometheus.NewRegistry())

	return &managerFixture{
		mgr:      NewManager(store, accounts, sink, rec),
		store:    store,
		accounts: accounts,
		acct:     acct,
	}
}

func validMessage() *message.Message {
	return &message.Message{
		From:    "user@example.com",
		To:      []string{"rcpt@example.net"},
		Subject: "hello",
		BodyRef: "body-1",
	}
}

func TestSubmitEnqueuesJob(t *testing.T) {
	mgr, store, acct := newTestManager(t)

	id, err := mgr.Submit(context.Background(), acct.ID, validMessage(), PriorityHigh)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id == "" {
		t.Fatal("Submit must return a job id")
	}

	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Job not persisted: %v", err)
	}
	if job.State != StateQueued || job.Priority != PriorityHigh || job.Kind != KindSend {
		t.Errorf("Unexpected job: state=%s priority=%d kind=%s", job.State, job.Priority, job.Kind)
	}
}

func TestSubmitRejectsInvalidMessage(t *testing.T) {
	mgr, _, acct := newTestManager(t)

	msg := validMessage()
	msg.To = nil
	if _, err := mgr.Submit(context.Background(), acct.ID, msg, PriorityNormal); err == nil {
		t.Error("Expected error for message without recipients")
	}
}

func TestSubmitRejectsUnknownAccount(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	if _, err := mgr.Submit(context.Background(), "ghost", validMessage(), PriorityNormal); err == nil {
		t.Error("Expected error for unknown account")
	}
}

func TestSubmitRejectsSuspendedAccount(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if err := f.accounts.SetStatus(ctx, f.acct.ID, account.StatusSuspended); err != nil {
		t.Fatalf("Failed to suspend account: %v", err)
	}

	if _, err := f.mgr.Submit(ctx, f.acct.ID, validMessage(), PriorityNormal); err == nil {
		t.Error("Expected error for suspended account")
	}
}

func TestStatusMapping(t *testing.T) {
	mgr, store, acct := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.Submit(ctx, acct.ID, validMessage(), PriorityNormal)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	t.Run("Queued", func(t *testing.T) {
		st, err := mgr.Status(ctx, id)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if st.State != "queued" {
			t.Errorf("Expected queued, got %s", st.State)
		}
	})

	t.Run("RetryingShowsAsQueued", func(t *testing.T) {
		job, _ := store.Get(ctx, id)
		job.State = StateRetrying
		job.LeaseOwner = ""
		_ = store.Update(ctx, job)

		st, _ := mgr.Status(ctx, id)
		if st.State != "queued" {
			t.Errorf("Retrying must surface as queued, got %s", st.State)
		}
	})

	t.Run("RateDelayedCarriesETA", func(t *testing.T) {
		job, _ := store.Get(ctx, id)
		job.State = StateRateDelayed
		job.NextEligible = time.Now().Add(30 * time.Minute)
		_ = store.Update(ctx, job)

		st, _ := mgr.Status(ctx, id)
		if st.State != "rate-delayed" {
			t.Fatalf("Expected rate-delayed, got %s", st.State)
		}
		if st.RetryAt == nil || !st.RetryAt.After(time.Now()) {
			t.Error("Rate-delayed status must carry a future retry time")
		}
	})

	t.Run("FailedCarriesReason", func(t *testing.T) {
		job, _ := store.Get(ctx, id)
		job.State = StateFailed
		job.FailReason = ReasonPermanent
		job.LastError = "mailbox does not exist"
		_ = store.Update(ctx, job)

		st, _ := mgr.Status(ctx, id)
		if st.State != "failed" {
			t.Fatalf("Expected failed, got %s", st.State)
		}
		if st.Reason == "" {
			t.Error("Failed status must carry a reason")
		}
	})
}

func TestCancelViaManager(t *testing.T) {
	mgr, store, acct := newTestManager(t)
	ctx := context.Background()

	id, _ := mgr.Submit(ctx, acct.ID, validMessage(), PriorityNormal)
	if err := mgr.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	job, _ := store.Get(ctx, id)
	if job.State != StateCancelled {
		t.Errorf("Expected cancelled, got %s", job.State)
	}
}

func TestEnqueueSyncUsesLowPriority(t *testing.T) {
	mgr, store, acct := newTestManager(t)
	ctx := context.Background()

	id, err := mgr.EnqueueSync(ctx, acct.ID)
	if err != nil {
		t.Fatalf("EnqueueSync failed: %v", err)
	}

	job, _ := store.Get(ctx, id)
	if job.Kind != KindSync || job.Priority != PriorityLow {
		t.Errorf("Expected low-priority sync job, got kind=%s priority=%d", job.Kind, job.Priority)
	}
}
