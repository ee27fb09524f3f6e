package account

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedAccount(t *testing.T, store Store) *Account {
	t.Helper()

	acct := &Account{
		ID:       "acct-1",
		UserID:   "user-1",
		Email:    "user@example.com",
		Provider: ProviderGmail,
		Status:   StatusActive,
	}
	if err := store.Put(context.Background(), acct); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return acct
}

func TestPutAndGet(t *testing.T) {
	store := NewMemoryStore()
	acct := seedAccount(t, store)

	got, err := store.Get(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Email != acct.Email || got.Provider != ProviderGmail {
		t.Errorf("Got %+v", got)
	}

	if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	store := NewMemoryStore()
	acct := seedAccount(t, store)

	if err := store.SetStatus(context.Background(), acct.ID, StatusCredentialExpired); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	got, _ := store.Get(context.Background(), acct.ID)
	if got.Status != StatusCredentialExpired {
		t.Errorf("Status = %s", got.Status)
	}

	if err := store.SetStatus(context.Background(), "ghost", StatusSuspended); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecordSendBumpsCounters(t *testing.T) {
	store := NewMemoryStore()
	acct := seedAccount(t, store)

	at := time.Now()
	for i := 0; i < 3; i++ {
		if err := store.RecordSend(context.Background(), acct.ID, at); err != nil {
			t.Fatalf("RecordSend failed: %v", err)
		}
	}

	got, _ := store.Get(context.Background(), acct.ID)
	if got.TotalSent != 3 {
		t.Errorf("TotalSent = %d, want 3", got.TotalSent)
	}
	if !got.LastSentAt.Equal(at) {
		t.Errorf("LastSentAt = %v, want %v", got.LastSentAt, at)
	}
}

func TestSetSyncCursor(t *testing.T) {
	store := NewMemoryStore()
	acct := seedAccount(t, store)

	if err := store.SetSyncCursor(context.Background(), acct.ID, "cursor-9"); err != nil {
		t.Fatalf("SetSyncCursor failed: %v", err)
	}
	got, _ := store.Get(context.Background(), acct.ID)
	if got.SyncCursor != "cursor-9" {
		t.Errorf("SyncCursor = %q", got.SyncCursor)
	}
}

func TestDelete(t *testing.T) {
	store := NewMemoryStore()
	acct := seedAccount(t, store)

	if err := store.Delete(context.Background(), acct.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(context.Background(), acct.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Deleted account still readable: %v", err)
	}
}

func TestListReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	seedAccount(t, store)

	accts, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(accts) != 1 {
		t.Fatalf("Expected 1 account, got %d", len(accts))
	}

	// Mutating the returned value must not leak into the store.
	accts[0].Email = "mutated@example.com"
	got, _ := store.Get(context.Background(), "acct-1")
	if got.Email != "user@example.com" {
		t.Error("List leaked internal state")
	}
}
