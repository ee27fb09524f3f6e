package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucketConsumesUpToCapacity(t *testing.T) {
	b := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		if ok, _ := b.TryConsume(1); !ok {
			t.Fatalf("Consume %d should succeed", i)
		}
	}

	ok, retryAt := b.TryConsume(1)
	if ok {
		t.Fatal("Empty bucket should refuse")
	}
	if !retryAt.After(time.Now()) {
		t.Error("Refusal must carry a future refill time")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	b := NewTokenBucket(2, 100) // 100 tokens/sec for a fast test

	b.TryConsume(2)
	if ok, _ := b.TryConsume(1); ok {
		t.Fatal("Bucket should be empty")
	}

	time.Sleep(30 * time.Millisecond)

	if ok, _ := b.TryConsume(1); !ok {
		t.Error("Bucket should have refilled")
	}
}

func TestBucketSetIsolatesAccounts(t *testing.T) {
	set := newBucketSet(1, 1)

	if ok, _ := set.get("a").TryConsume(1); !ok {
		t.Fatal("First consume for account a should succeed")
	}
	if ok, _ := set.get("a").TryConsume(1); ok {
		t.Fatal("Account a should be exhausted")
	}
	if ok, _ := set.get("b").TryConsume(1); !ok {
		t.Error("Account b must have its own allowance")
	}
}
