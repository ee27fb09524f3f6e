package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket caps short-term spikes inside an otherwise-open rate
// window. Tokens refill continuously at refillRate per second up to
// capacity.
type TokenBucket struct {
	capacity   int64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a bucket starting full.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: time.Now(),
	}
}

// TryConsume takes n tokens if available. When it cannot, it returns
// false and the earliest time the bucket will hold n tokens again.
func (tb *TokenBucket) TryConsume(n int64) (bool, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > float64(tb.capacity) {
		tb.tokens = float64(tb.capacity)
	}
	tb.lastRefill = now

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true, time.Time{}
	}

	deficit := float64(n) - tb.tokens
	wait := time.Duration(deficit / tb.refillRate * float64(time.Second))
	return false, now.Add(wait)
}

// bucketSet tracks one bucket per account with bounded growth.
type bucketSet struct {
	capacity   int64
	refillRate int64
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	touched    map[string]time.Time
}

func newBucketSet(capacity, refillRate int64) *bucketSet {
	return &bucketSet{
		capacity:   capacity,
		refillRate: refillRate,
		buckets:    make(map[string]*TokenBucket),
		touched:    make(map[string]time.Time),
	}
}

func (bs *bucketSet) get(key string) *TokenBucket {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	now := time.Now()
	if len(bs.buckets) > 10000 {
		for k, t := range bs.touched {
			if now.Sub(t) > time.Hour {
				delete(bs.buckets, k)
				delete(bs.touched, k)
			}
		}
	}

	b, ok := bs.buckets[key]
	if !ok {
		b = NewTokenBucket(bs.capacity, bs.refillRate)
		bs.buckets[key] = b
	}
	bs.touched[key] = now
	return b
}
