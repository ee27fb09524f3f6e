package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/evermail/dispatch/internal/account"
	"github.com/evermail/dispatch/internal/cache"
	"github.com/evermail/dispatch/internal/config"
)

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) *Limiter {
	t.Helper()

	c, err := cache.New(cache.Config{Type: "memory"})
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Failed to connect cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return New(cfg, c)
}

func testAccount(id string) *account.Account {
	return &account.Account{
		ID:       id,
		Email:    id + "@example.com",
		Provider: account.ProviderGmail,
		Status:   account.StatusActive,
	}
}

func TestAccountWindowLimit(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds: 3600,
		WindowMode:    "fixed",
		AccountLimit:  5,
	})

	ctx := context.Background()
	acct := testAccount("acct-1")

	var admitted, delayed int
	for i := 0; i < 8; i++ {
		v := limiter.TryAdmit(ctx, acct, "example.com", 1)
		switch v.Decision {
		case Admitted:
			admitted++
		case Delayed:
			delayed++
			if v.RetryAt.IsZero() {
				t.Error("Delayed verdict must carry a retry time")
			}
			if v.Scope != ScopeAccount {
				t.Errorf("Expected account scope, got %s", v.Scope)
			}
		default:
			t.Errorf("Unexpected decision %s", v.Decision)
		}
	}

	if admitted != 5 {
		t.Errorf("Expected 5 admitted, got %d", admitted)
	}
	if delayed != 3 {
		t.Errorf("Expected 3 delayed, got %d", delayed)
	}
}

func TestDeniedSendRefundsEarlierScopes(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds: 3600,
		WindowMode:    "fixed",
		GlobalLimit:   3,
		AccountLimit:  1,
	})

	ctx := context.Background()
	acctA := testAccount("acct-a")
	acctB := testAccount("acct-b")

	if v := limiter.TryAdmit(ctx, acctA, "example.com", 1); v.Decision != Admitted {
		t.Fatalf("First send for account A should be admitted, got %s", v.Decision)
	}

	// Account A is now at its per-account limit. Each delayed attempt
	// must give back the global slot it charged on the way in.
	for i := 0; i < 2; i++ {
		v := limiter.TryAdmit(ctx, acctA, "example.com", 1)
		if v.Decision != Delayed || v.Scope != ScopeAccount {
			t.Fatalf("Expected account-scope delay, got %s at %s", v.Decision, v.Scope)
		}
	}

	for i := 0; i < 2; i++ {
		if v := limiter.TryAdmit(ctx, acctB, "example.com", 1); v.Decision != Admitted {
			t.Fatalf("Account B send %d should be admitted, got %s (%s)", i+1, v.Decision, v.Reason)
		}
	}
}

func TestBurstDenialRefundsWindowCharges(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds:  3600,
		WindowMode:     "fixed",
		GlobalLimit:    2,
		AccountLimit:   10,
		BurstSize:      1,
		BurstPerSecond: 1,
	})

	ctx := context.Background()
	acctA := testAccount("acct-a")
	acctB := testAccount("acct-b")

	if v := limiter.TryAdmit(ctx, acctA, "example.com", 1); v.Decision != Admitted {
		t.Fatalf("First send should be admitted, got %s", v.Decision)
	}
	if v := limiter.TryAdmit(ctx, acctA, "example.com", 1); v.Decision != Delayed {
		t.Fatalf("Burst-exhausted send should be delayed, got %s", v.Decision)
	}

	// The burst denial must not have eaten global window quota.
	// Account B has a fresh burst bucket; its send only gets through
	// if the denied attempt refunded its global charge.
	if v := limiter.TryAdmit(ctx, acctB, "example.com", 1); v.Decision != Admitted {
		t.Errorf("Account B should be admitted after A's burst denial, got %s (%s)", v.Decision, v.Reason)
	}
}

func TestCostExceedingLimitIsRejected(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds: 3600,
		WindowMode:    "fixed",
		AccountLimit:  10,
	})

	v := limiter.TryAdmit(context.Background(), testAccount("acct-1"), "example.com", 11)
	if v.Decision != Rejected {
		t.Fatalf("Expected Rejected for cost above limit, got %s", v.Decision)
	}

	// The rejection must not have consumed any window budget.
	v = limiter.TryAdmit(context.Background(), testAccount("acct-1"), "example.com", 10)
	if v.Decision != Admitted {
		t.Errorf("Expected full window still available, got %s: %s", v.Decision, v.Reason)
	}
}

func TestWindowRollover(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds: 1,
		WindowMode:    "fixed",
		AccountLimit:  2,
	})

	ctx := context.Background()
	acct := testAccount("acct-roll")

	for i := 0; i < 2; i++ {
		if v := limiter.TryAdmit(ctx, acct, "example.com", 1); v.Decision != Admitted {
			t.Fatalf("Send %d should be admitted, got %s", i, v.Decision)
		}
	}

	v := limiter.TryAdmit(ctx, acct, "example.com", 1)
	if v.Decision != Delayed {
		t.Fatalf("Expected Delayed in full window, got %s", v.Decision)
	}

	time.Sleep(time.Until(v.RetryAt) + 50*time.Millisecond)

	if v := limiter.TryAdmit(ctx, acct, "example.com", 1); v.Decision != Admitted {
		t.Errorf("Expected admission after window rollover, got %s: %s", v.Decision, v.Reason)
	}
}

func TestScopeOrderFirstExceededWins(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds: 3600,
		WindowMode:    "fixed",
		GlobalLimit:   100,
		DomainLimit:   2,
		AccountLimit:  100,
	})

	ctx := context.Background()

	// Two different accounts exhaust the shared domain budget.
	limiter.TryAdmit(ctx, testAccount("a1"), "busy.example", 1)
	limiter.TryAdmit(ctx, testAccount("a2"), "busy.example", 1)

	v := limiter.TryAdmit(ctx, testAccount("a3"), "busy.example", 1)
	if v.Decision != Delayed || v.Scope != ScopeDomain {
		t.Errorf("Expected domain-scope delay, got %s at scope %s", v.Decision, v.Scope)
	}

	// Another domain is unaffected.
	if v := limiter.TryAdmit(ctx, testAccount("a3"), "quiet.example", 1); v.Decision != Admitted {
		t.Errorf("Expected admission on unrelated domain, got %s", v.Decision)
	}
}

func TestRateTierScalesAccountLimit(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds: 3600,
		WindowMode:    "fixed",
		AccountLimit:  2,
	})

	ctx := context.Background()
	acct := testAccount("premium")
	acct.RateTier = 3

	var admitted int
	for i := 0; i < 8; i++ {
		if v := limiter.TryAdmit(ctx, acct, "example.com", 1); v.Decision == Admitted {
			admitted++
		}
	}
	if admitted != 6 {
		t.Errorf("Tier 3 should admit 6 sends, got %d", admitted)
	}
}

func TestBurstAllowance(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds:  3600,
		WindowMode:     "fixed",
		AccountLimit:   1000,
		BurstSize:      3,
		BurstPerSecond: 1,
	})

	ctx := context.Background()
	acct := testAccount("bursty")

	for i := 0; i < 3; i++ {
		if v := limiter.TryAdmit(ctx, acct, "example.com", 1); v.Decision != Admitted {
			t.Fatalf("Burst send %d should be admitted, got %s", i, v.Decision)
		}
	}

	v := limiter.TryAdmit(ctx, acct, "example.com", 1)
	if v.Decision != Delayed {
		t.Fatalf("Expected burst exhaustion delay, got %s", v.Decision)
	}
	if v.RetryAt.IsZero() {
		t.Error("Burst delay must carry the refill time")
	}
}

func TestSlidingWindow(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds: 3600,
		WindowMode:    "sliding",
		AccountLimit:  3,
	})

	ctx := context.Background()
	acct := testAccount("slider")

	var admitted int
	for i := 0; i < 5; i++ {
		if v := limiter.TryAdmit(ctx, acct, "example.com", 1); v.Decision == Admitted {
			admitted++
		}
	}
	if admitted != 3 {
		t.Errorf("Expected 3 admitted under sliding window, got %d", admitted)
	}
}

func TestConcurrentAdmissionNeverOverAdmits(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds: 3600,
		WindowMode:    "fixed",
		AccountLimit:  10,
	})

	ctx := context.Background()
	acct := testAccount("concurrent")

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v := limiter.TryAdmit(ctx, acct, "example.com", 1); v.Decision == Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Errorf("Expected exactly 10 admitted under contention, got %d", admitted)
	}
}

func TestObserverSeesEveryVerdict(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds: 3600,
		WindowMode:    "fixed",
		AccountLimit:  1,
	})

	var mu sync.Mutex
	seen := make(map[Decision]int)
	limiter.SetObserver(func(_ Scope, d Decision) {
		mu.Lock()
		seen[d]++
		mu.Unlock()
	})

	ctx := context.Background()
	acct := testAccount("observed")
	limiter.TryAdmit(ctx, acct, "example.com", 1)
	limiter.TryAdmit(ctx, acct, "example.com", 1)

	mu.Lock()
	defer mu.Unlock()
	if seen[Admitted] != 1 || seen[Delayed] != 1 {
		t.Errorf("Observer saw %v, want one admitted and one delayed", seen)
	}
}
