package credential

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evermail/dispatch/internal/account"
)

type countingRefresher struct {
	calls int32
	delay time.Duration
	err   error
}

func (r *countingRefresher) Refresh(_ context.Context, cred *Credential) (*Credential, error) {
	n := atomic.AddInt32(&r.calls, 1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return nil, r.err
	}

	next := *cred
	next.AccessToken = fmt.Sprintf("token-%d", n)
	next.Expiry = time.Now().Add(time.Hour)
	return &next, nil
}

func newTestStore(t *testing.T, refresher Refresher) (*Store, account.Store, *account.Account) {
	t.Helper()

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

	store := NewStore(NewMemoryBackend(), accounts, 5*time.Minute)
	store.RegisterRefresher(account.ProviderGmail, refresher)
	return store, accounts, acct
}

func TestGetValidReturnsFreshCredentialWithoutRefresh(t *testing.T) {
	refresher := &countingRefresher{}
	store, _, acct := newTestStore(t, refresher)

	err := store.Put(context.Background(), &Credential{
		AccountID:   acct.ID,
		AccessToken: "fresh",
		Expiry:      time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Failed to store credential: %v", err)
	}

	cred, err := store.GetValid(context.Background(), acct)
	if err != nil {
		t.Fatalf("GetValid failed: %v", err)
	}
	if cred.AccessToken != "fresh" {
		t.Errorf("Expected stored token, got %q", cred.AccessToken)
	}
	if atomic.LoadInt32(&refresher.calls) != 0 {
		t.Errorf("Fresh credential should not trigger refresh, got %d calls", refresher.calls)
	}
}

func TestExpiringCredentialIsRefreshed(t *testing.T) {
	refresher := &countingRefresher{}
	store, _, acct := newTestStore(t, refresher)

	// Inside the 5 minute skew.
	_ = store.Put(context.Background(), &Credential{
		AccountID:   acct.ID,
		AccessToken: "stale",
		Expiry:      time.Now().Add(time.Minute),
	})

	cred, err := store.GetValid(context.Background(), acct)
	if err != nil {
		t.Fatalf("GetValid failed: %v", err)
	}
	if cred.AccessToken == "stale" {
		t.Error("Expected refreshed token")
	}

	// The refreshed credential is persisted; the next call reuses it.
	again, err := store.GetValid(context.Background(), acct)
	if err != nil {
		t.Fatalf("Second GetValid failed: %v", err)
	}
	if again.AccessToken != cred.AccessToken {
		t.Error("Refreshed credential should be persisted and reused")
	}
	if got := atomic.LoadInt32(&refresher.calls); got != 1 {
		t.Errorf("Expected exactly 1 refresh, got %d", got)
	}
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	refresher := &countingRefresher{delay: 50 * time.Millisecond}
	store, _, acct := newTestStore(t, refresher)

	_ = store.Put(context.Background(), &Credential{
		AccountID:   acct.ID,
		AccessToken: "stale",
		Expiry:      time.Now().Add(time.Minute),
	})

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := store.GetValid(context.Background(), acct)
			if err != nil {
				errs[i] = err
				return
			}
			tokens[i] = cred.AccessToken
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Caller %d failed: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&refresher.calls); got != 1 {
		t.Errorf("Expected 1 upstream refresh for %d concurrent callers, got %d", callers, got)
	}
	for i := 1; i < callers; i++ {
		if tokens[i] != tokens[0] {
			t.Fatalf("Callers observed different tokens: %q vs %q", tokens[0], tokens[i])
		}
	}
}

func TestRevokedRefreshMarksAccountExpired(t *testing.T) {
	refresher := &countingRefresher{err: fmt.Errorf("provider said no: %w", ErrRevoked)}
	store, accounts, acct := newTestStore(t, refresher)

	_ = store.Put(context.Background(), &Credential{
		AccountID:   acct.ID,
		AccessToken: "stale",
		Expiry:      time.Now().Add(time.Minute),
	})

	_, err := store.GetValid(context.Background(), acct)
	if err == nil {
		t.Fatal("Expected error from revoked refresh")
	}

	updated, err := accounts.Get(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("Failed to reload account: %v", err)
	}
	if updated.Status != account.StatusCredentialExpired {
		t.Errorf("Expected credential-expired status, got %s", updated.Status)
	}
}

func TestForceRefreshIgnoresExpiry(t *testing.T) {
	refresher := &countingRefresher{}
	store, _, acct := newTestStore(t, refresher)

	_ = store.Put(context.Background(), &Credential{
		AccountID:   acct.ID,
		AccessToken: "looks-fine",
		Expiry:      time.Now().Add(time.Hour),
	})

	cred, err := store.ForceRefresh(context.Background(), acct)
	if err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}
	if cred.AccessToken == "looks-fine" {
		t.Error("ForceRefresh should replace a still-valid token")
	}
	if got := atomic.LoadInt32(&refresher.calls); got != 1 {
		t.Errorf("Expected 1 refresh call, got %d", got)
	}
}

func TestPasswordCredentialNeverRefreshes(t *testing.T) {
	cred := &Credential{AccountID: "a", Password: "hunter2"}
	if cred.NeedsRefresh(5 * time.Minute) {
		t.Error("Zero-expiry credential must never need a refresh")
	}
}
