// Package ratelimit admits, delays or rejects send attempts against
// windowed counters kept in the shared cache. It is the mechanism that
// keeps sending volume under provider quotas and protects sender
// reputation.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/evermail/dispatch/internal/account"
	"github.com/evermail/dispatch/internal/cache"
	"github.com/evermail/dispatch/internal/config"
)

// Scope names one level of the admission hierarchy.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeDomain  Scope = "domain"
	ScopeAccount Scope = "account"
)

// Decision is the three-way admission outcome.
type Decision string

const (
	Admitted Decision = "admitted"
	Delayed  Decision = "delayed"
	Rejected Decision = "rejected"
)

// Verdict is the result of one admission check. A Delayed verdict
// carries the earliest retry time and must be rescheduled by the
// caller, never dropped.
type Verdict struct {
	Decision Decision
	Scope    Scope
	RetryAt  time.Time
	Reason   string
}

// Observer receives every verdict, fire-and-forget, for dashboards.
type Observer func(scope Scope, decision Decision)

// Limiter checks each configured scope in order; the first scope that
// would be exceeded determines the verdict. The burst bucket is
// consulted only after every windowed counter would admit.
type Limiter struct {
	cfg      config.RateLimitConfig
	cache    cache.Cache
	window   time.Duration
	burst    *bucketSet
	observer Observer
	logger   *slog.Logger
}

// New creates a rate limiter on the given cache backend.
func New(cfg config.RateLimitConfig, c cache.Cache) *Limiter {
	l := &Limiter{
		cfg:    cfg,
		cache:  c,
		window: time.Duration(cfg.WindowSeconds) * time.Second,
		logger: slog.Default().With("component", "ratelimit"),
	}
	if cfg.BurstSize > 0 {
		l.burst = newBucketSet(int64(cfg.BurstSize), int64(cfg.BurstPerSecond))
	}
	return l
}

// SetObserver installs a verdict observer. Must be called before the
// limiter is shared across goroutines.
func (l *Limiter) SetObserver(obs Observer) { l.observer = obs }

// TryAdmit checks whether a send costing cost messages may proceed for
// the given account and recipient domain. Cost defaults to the message
// recipient count at the call site.
func (l *Limiter) TryAdmit(ctx context.Context, acct *account.Account, domain string, cost int) Verdict {
	if cost <= 0 {
		cost = 1
	}

	// Buckets already charged at earlier scopes; refunded whenever a
	// later scope or the burst gate denies, so a denied send never
	// counts against any window.
	var charged []string

	for _, scopeName := range l.scopeOrder() {
		scope := Scope(scopeName)
		key, limit := l.scopeKey(scope, acct, domain)
		if limit <= 0 || key == "" {
			continue
		}

		// A cost that alone exceeds the scope's total limit can never
		// be admitted in any window.
		if cost > limit {
			l.refund(ctx, charged, cost)
			return l.observe(Verdict{
				Decision: Rejected,
				Scope:    scope,
				Reason:   fmt.Sprintf("cost %d exceeds %s limit %d", cost, scope, limit),
			})
		}

		verdict, bucket, ok := l.checkWindow(ctx, scope, key, limit, cost)
		if !ok {
			l.refund(ctx, charged, cost)
			return l.observe(verdict)
		}
		charged = append(charged, bucket)
	}

	if l.burst != nil {
		if ok, retryAt := l.burst.get(acct.ID).TryConsume(int64(cost)); !ok {
			l.refund(ctx, charged, cost)
			return l.observe(Verdict{
				Decision: Delayed,
				Scope:    ScopeAccount,
				RetryAt:  retryAt,
				Reason:   "burst allowance exhausted",
			})
		}
	}

	return l.observe(Verdict{Decision: Admitted})
}

func (l *Limiter) refund(ctx context.Context, buckets []string, cost int) {
	for _, b := range buckets {
		if _, err := l.cache.Increment(ctx, b, int64(-cost), 0); err != nil {
			l.logger.Error("failed to back out rate counter", "key", b, "error", err)
		}
	}
}

func (l *Limiter) scopeOrder() []string {
	if len(l.cfg.ScopeOrder) > 0 {
		return l.cfg.ScopeOrder
	}
	return []string{"global", "domain", "account"}
}

func (l *Limiter) scopeKey(scope Scope, acct *account.Account, domain string) (string, int) {
	switch scope {
	case ScopeGlobal:
		return "rl:global", l.cfg.GlobalLimit
	case ScopeDomain:
		if domain == "" {
			return "", 0
		}
		return "rl:domain:" + domain, l.cfg.DomainLimit
	case ScopeAccount:
		limit := l.cfg.AccountLimit
		if acct.RateTier > 1 {
			limit *= acct.RateTier
		}
		return "rl:account:" + acct.ID, limit
	default:
		return "", 0
	}
}

// checkWindow counts cost against the scope's window. On admission it
// returns the charged bucket key so the caller can refund it if a
// later check denies. Counters are only mutated through atomic
// increments; an over-limit increment is backed out the same way, so a
// closed window never counts more than its limit in admitted sends.
func (l *Limiter) checkWindow(ctx context.Context, scope Scope, key string, limit, cost int) (Verdict, string, bool) {
	now := time.Now()
	windowStart := now.Truncate(l.window)
	bucket := l.bucketKey(key, windowStart)

	var count int64
	var err error

	switch l.cfg.WindowMode {
	case "sliding":
		count, err = l.slidingCount(ctx, key, windowStart, now, cost)
	default:
		count, err = l.cache.Increment(ctx, bucket, int64(cost), l.window*2)
	}
	if err != nil {
		// Counter backend down: refuse the send rather than blow the
		// quota; it will be retried.
		l.logger.Error("rate window counter unavailable", "scope", scope, "error", err)
		return Verdict{
			Decision: Delayed,
			Scope:    scope,
			RetryAt:  now.Add(30 * time.Second),
			Reason:   "rate counter unavailable",
		}, "", false
	}

	if count > int64(limit) {
		if _, decErr := l.cache.Increment(ctx, bucket, int64(-cost), 0); decErr != nil {
			l.logger.Error("failed to back out rate counter", "scope", scope, "error", decErr)
		}
		return Verdict{
			Decision: Delayed,
			Scope:    scope,
			RetryAt:  windowStart.Add(l.window),
			Reason:   fmt.Sprintf("%s window full (%d/%d)", scope, count-int64(cost), limit),
		}, "", false
	}

	return Verdict{}, bucket, true
}

// slidingCount approximates a sliding window with the weighted sum of
// the current and previous fixed buckets.
func (l *Limiter) slidingCount(ctx context.Context, key string, windowStart, now time.Time, cost int) (int64, error) {
	curr, err := l.cache.Increment(ctx, l.bucketKey(key, windowStart), int64(cost), l.window*2)
	if err != nil {
		return 0, err
	}

	prevStart := windowStart.Add(-l.window)
	prev, err := l.cache.Get(ctx, l.bucketKey(key, prevStart))
	if err != nil {
		// A missing or unreadable previous bucket degrades to the
		// current bucket's count; the charge already applied stands.
		return curr, nil
	}

	var prevCount int64
	if _, err := fmt.Sscanf(prev, "%d", &prevCount); err != nil {
		return curr, nil
	}

	elapsed := now.Sub(windowStart).Seconds() / l.window.Seconds()
	weighted := curr + int64(float64(prevCount)*(1.0-elapsed))
	return weighted, nil
}

func (l *Limiter) bucketKey(key string, start time.Time) string {
	return fmt.Sprintf("%s:%d", key, start.Unix())
}

func (l *Limiter) observe(v Verdict) Verdict {
	if l.observer != nil {
		l.observer(v.Scope, v.Decision)
	}
	if v.Decision != Admitted {
		l.logger.Debug("send not admitted",
			"decision", v.Decision,
			"scope", v.Scope,
			"reason", v.Reason)
	}
	return v
}
