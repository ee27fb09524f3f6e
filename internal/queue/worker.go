package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/evermail/dispatch/internal/account"
	"github.com/evermail/dispatch/internal/config"
	"github.com/evermail/dispatch/internal/credential"
	"github.com/evermail/dispatch/internal/events"
	"github.com/evermail/dispatch/internal/ledger"
	"github.com/evermail/dispatch/internal/metrics"
	"github.com/evermail/dispatch/internal/provider"
	"github.com/evermail/dispatch/internal/ratelimit"
)

const syncPageSize = 100

// Pool runs the dispatch workers. Each worker claims eligible jobs
// under an exclusive lease and drives them through admission,
// credential lookup, the provider call and the ledger write. Provider
// calls go through a per-provider circuit breaker so one melting
// provider does not burn every worker's attempts.
type Pool struct {
	cfg      config.WorkerConfig
	store    Store
	accounts account.Store
	creds    *credential.Store
	limiter  *ratelimit.Limiter
	registry *provider.Registry
	ledger   ledger.Ledger
	backoff  *Backoff
	sink     *events.Sink
	rec      *metrics.Recorder
	breakers map[account.Provider]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewPool wires a worker pool. Call Run to start it.
func NewPool(cfg config.WorkerConfig, retry config.RetryConfig, store Store, accounts account.Store,
	creds *credential.Store, limiter *ratelimit.Limiter, registry *provider.Registry,
	led ledger.Ledger, sink *events.Sink, rec *metrics.Recorder) *Pool {

	logger := slog.Default().With("component", "dispatch-workers")

	breakers := make(map[account.Provider]*gobreaker.CircuitBreaker)
	for _, p := range []account.Provider{account.ProviderGmail, account.ProviderOutlook, account.ProviderIMAP} {
		name := string(p)
		breakers[p] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.5
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Info("provider circuit breaker state changed",
					"provider", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}

	return &Pool{
		cfg:      cfg,
		store:    store,
		accounts: accounts,
		creds:    creds,
		limiter:  limiter,
		registry: registry,
		ledger:   led,
		backoff:  NewBackoff(retry),
		sink:     sink,
		rec:      rec,
		breakers: breakers,
		logger:   logger,
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-progress attempt has settled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Count; i++ {
		owner := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			p.runWorker(gctx, owner)
			return nil
		})
	}

	g.Go(func() error {
		p.runDepthGauge(gctx)
		return nil
	})

	p.logger.Info("worker pool started", "workers", p.cfg.Count)
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, owner string) {
	for {
		jobs, err := p.store.Claim(ctx, owner, 1, p.cfg.LeaseTimeout)
		if err != nil {
			p.logger.Error("claim failed", "worker", owner, "error", err)
		}

		for _, job := range jobs {
			p.process(ctx, job, owner)
		}

		if len(jobs) > 0 {
			// More work may be waiting; skip the poll sleep.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) runDepthGauge(ctx context.Context) {
	if p.rec == nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := p.store.Stats(ctx)
			if err != nil {
				continue
			}
			p.rec.QueueDepth.WithLabelValues(string(StateQueued)).Set(float64(stats.Queued))
			p.rec.QueueDepth.WithLabelValues(string(StateRateDelayed)).Set(float64(stats.RateDelayed))
			p.rec.QueueDepth.WithLabelValues(string(StateInFlight)).Set(float64(stats.InFlight))
			p.rec.QueueDepth.WithLabelValues(string(StateRetrying)).Set(float64(stats.Retrying))
		}
	}
}

func (p *Pool) process(ctx context.Context, job *Job, owner string) {
	logger := p.logger.With("job_id", job.ID, "worker", owner, "attempt", job.Attempts+1)

	if job.CancelRequested {
		p.settleCancelled(ctx, job)
		return
	}

	acct, err := p.accounts.Get(ctx, job.AccountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			p.settleFailed(ctx, job, ReasonPermanent, "account no longer exists", "")
			return
		}
		logger.Error("account lookup failed", "error", err)
		p.release(ctx, job, time.Now().Add(p.cfg.PollInterval))
		return
	}

	switch acct.Status {
	case account.StatusSuspended:
		// Suspended accounts keep their jobs queued until reactivated.
		p.release(ctx, job, time.Now().Add(time.Minute))
		return
	case account.StatusCredentialExpired:
		p.settleFailed(ctx, job, ReasonAuthFailure, "account credential expired, reconnect required", "")
		return
	}

	switch job.Kind {
	case KindSync:
		p.processSync(ctx, job, acct, logger)
	default:
		p.processSend(ctx, job, acct, logger)
	}
}

func (p *Pool) processSend(ctx context.Context, job *Job, acct *account.Account, logger *slog.Logger) {
	verdict := p.limiter.TryAdmit(ctx, acct, job.Domain(), job.Cost())
	switch verdict.Decision {
	case ratelimit.Rejected:
		p.settleFailed(ctx, job, ReasonRejected, verdict.Reason, "")
		return
	case ratelimit.Delayed:
		job.Attempts++
		logger.Debug("send rate-delayed", "scope", verdict.Scope, "retry_at", verdict.RetryAt)
		p.reschedule(ctx, job, StateRateDelayed, verdict.RetryAt, verdict.Reason)
		return
	}

	cred, err := p.creds.GetValid(ctx, acct)
	if err != nil {
		if errors.Is(err, credential.ErrRevoked) {
			p.handleRevocation(ctx, job, acct)
			return
		}
		job.Attempts++
		p.retryTransient(ctx, job, fmt.Sprintf("credential lookup failed: %v", err), logger)
		return
	}

	adapter, err := p.registry.Lookup(acct.Provider)
	if err != nil {
		p.settleFailed(ctx, job, ReasonPermanent, err.Error(), "")
		return
	}

	providerID, err := p.attemptSend(ctx, adapter, cred, acct, job)
	job.Attempts++
	if err != nil && provider.ClassOf(err) == provider.ClassAuth {
		// One forced refresh and a single re-send, all within this
		// attempt. A second rejection means the refreshed token is bad
		// too.
		fresh, refreshErr := p.creds.ForceRefresh(ctx, acct)
		if refreshErr != nil {
			if errors.Is(refreshErr, credential.ErrRevoked) {
				p.handleRevocation(ctx, job, acct)
				return
			}
			p.suspendAndFail(ctx, job, acct, fmt.Sprintf("credential refresh failed: %v", refreshErr))
			return
		}
		providerID, err = p.attemptSend(ctx, adapter, fresh, acct, job)
		if err != nil && provider.ClassOf(err) == provider.ClassAuth {
			p.suspendAndFail(ctx, job, acct, err.Error())
			return
		}
	}

	if err != nil {
		var pe *provider.Error
		code := ""
		if errors.As(err, &pe) {
			code = pe.Code
		}

		switch provider.ClassOf(err) {
		case provider.ClassPermanent:
			p.settleFailed(ctx, job, ReasonPermanent, err.Error(), code)
		default:
			p.retryTransient(ctx, job, err.Error(), logger)
		}
		return
	}

	p.settleSent(ctx, job, acct, providerID)
}

// attemptSend runs one provider call under the send timeout and the
// provider's circuit breaker. An open breaker reads as a transient
// failure so the job backs off instead of failing.
func (p *Pool) attemptSend(ctx context.Context, adapter provider.Adapter, cred *credential.Credential, acct *account.Account, job *Job) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.breakers[acct.Provider].Execute(func() (interface{}, error) {
		return adapter.Send(sendCtx, cred, acct, job.Message)
	})
	if p.rec != nil {
		p.rec.ObserveSend(time.Since(start))
	}

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", provider.Transient(string(acct.Provider), "breaker-open", err)
		}
		return "", err
	}
	return res.(string), nil
}

func (p *Pool) processSync(ctx context.Context, job *Job, acct *account.Account, logger *slog.Logger) {
	cred, err := p.creds.GetValid(ctx, acct)
	if err != nil {
		if errors.Is(err, credential.ErrRevoked) {
			p.handleRevocation(ctx, job, acct)
			return
		}
		job.Attempts++
		p.retryTransient(ctx, job, fmt.Sprintf("credential lookup failed: %v", err), logger)
		return
	}

	adapter, err := p.registry.Lookup(acct.Provider)
	if err != nil {
		p.settleFailed(ctx, job, ReasonPermanent, err.Error(), "")
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	inbound, next, err := adapter.FetchNew(syncCtx, cred, acct, acct.SyncCursor, syncPageSize)
	cancel()
	job.Attempts++
	if err != nil {
		if provider.ClassOf(err) == provider.ClassPermanent {
			p.settleFailed(ctx, job, ReasonPermanent, err.Error(), "")
			return
		}
		p.retryTransient(ctx, job, err.Error(), logger)
		return
	}

	if next != "" && next != acct.SyncCursor {
		if err := p.accounts.SetSyncCursor(ctx, acct.ID, next); err != nil {
			logger.Error("failed to advance sync cursor", "error", err)
		}
	}

	job.State = StateSent
	job.UpdatedAt = time.Now()
	if err := p.store.Update(ctx, job); err != nil && !errors.Is(err, ErrStaleLease) {
		logger.Error("failed to finalize sync job", "error", err)
	}

	logger.Info("sync pass complete", "account_id", acct.ID, "messages", len(inbound))
	p.sink.Publish(events.Event{
		Type:      events.TypeSyncDone,
		JobID:     job.ID,
		AccountID: acct.ID,
		Detail:    map[string]interface{}{"messages": len(inbound), "cursor": next},
	})
}

// retryTransient reschedules with backoff or, once attempts are
// exhausted, gives up terminally. The caller has already counted the
// attempt.
func (p *Pool) retryTransient(ctx context.Context, job *Job, detail string, logger *slog.Logger) {
	if p.backoff.Exhausted(job.Attempts) {
		p.settleFailed(ctx, job, ReasonTransient, fmt.Sprintf("retries exhausted: %s", detail), "")
		return
	}

	delay := p.backoff.Delay(job.Attempts)
	logger.Warn("transient failure, will retry", "error", detail, "delay", delay)

	if p.rec != nil {
		p.rec.JobsRetried.Inc()
	}
	p.sink.Publish(events.Event{
		Type:      events.TypeJobRetrying,
		JobID:     job.ID,
		AccountID: job.AccountID,
		Detail:    map[string]interface{}{"attempt": job.Attempts, "error": detail},
	})

	p.reschedule(ctx, job, StateRetrying, time.Now().Add(delay), detail)
}

// reschedule moves a job back to a waiting state. Cancellation
// requested during the attempt wins over the reschedule.
func (p *Pool) reschedule(ctx context.Context, job *Job, state State, next time.Time, detail string) {
	if fresh, err := p.store.Get(ctx, job.ID); err == nil && fresh.CancelRequested {
		p.settleCancelled(ctx, job)
		return
	}

	job.State = state
	job.NextEligible = next
	job.LastError = detail
	job.UpdatedAt = time.Now()

	if err := p.store.Update(ctx, job); err != nil && !errors.Is(err, ErrStaleLease) {
		p.logger.Error("failed to reschedule job", "job_id", job.ID, "error", err)
	}
}

// release puts a claimed job back without consuming an attempt, used
// when the account cannot be processed right now.
func (p *Pool) release(ctx context.Context, job *Job, next time.Time) {
	job.State = StateQueued
	job.NextEligible = next
	job.UpdatedAt = time.Now()

	if err := p.store.Update(ctx, job); err != nil && !errors.Is(err, ErrStaleLease) {
		p.logger.Error("failed to release job", "job_id", job.ID, "error", err)
	}
}

func (p *Pool) settleSent(ctx context.Context, job *Job, acct *account.Account, providerID string) {
	job.State = StateSent
	job.ProviderMessageID = providerID
	job.LastError = ""
	job.UpdatedAt = time.Now()

	// The ledger write is idempotent on job id: if a lease timeout let
	// another worker deliver this job first, the duplicate record is
	// reported and treated as success.
	err := p.ledger.Record(ctx, ledger.Record{
		JobID:             job.ID,
		FinalState:        string(StateSent),
		ProviderMessageID: providerID,
	})
	if err != nil && !errors.Is(err, ledger.ErrAlreadyRecorded) {
		p.logger.Error("ledger write failed", "job_id", job.ID, "error", err)
	}

	if err := p.store.Update(ctx, job); err != nil && !errors.Is(err, ErrStaleLease) {
		p.logger.Error("failed to finalize sent job", "job_id", job.ID, "error", err)
	}

	if err := p.accounts.RecordSend(ctx, acct.ID, time.Now()); err != nil {
		p.logger.Error("failed to record account send", "account_id", acct.ID, "error", err)
	}

	p.logger.Info("job sent",
		"job_id", job.ID,
		"account_id", acct.ID,
		"provider_message_id", providerID,
		"attempts", job.Attempts)

	if p.rec != nil {
		p.rec.JobsSent.Inc()
	}
	p.sink.Publish(events.Event{
		Type:      events.TypeJobSent,
		JobID:     job.ID,
		AccountID: acct.ID,
		Detail:    map[string]interface{}{"provider_message_id": providerID},
	})
}

func (p *Pool) settleFailed(ctx context.Context, job *Job, reason FailReason, detail, providerCode string) {
	job.State = StateFailed
	job.FailReason = reason
	job.LastError = detail
	job.UpdatedAt = time.Now()

	err := p.ledger.Record(ctx, ledger.Record{
		JobID:        job.ID,
		FinalState:   string(StateFailed),
		ProviderCode: providerCode,
		Reason:       fmt.Sprintf("%s: %s", reason, detail),
	})
	if err != nil && !errors.Is(err, ledger.ErrAlreadyRecorded) {
		p.logger.Error("ledger write failed", "job_id", job.ID, "error", err)
	}

	if err := p.store.Update(ctx, job); err != nil && !errors.Is(err, ErrStaleLease) {
		p.logger.Error("failed to finalize failed job", "job_id", job.ID, "error", err)
	}

	p.logger.Warn("job failed",
		"job_id", job.ID,
		"account_id", job.AccountID,
		"reason", reason,
		"error", detail)

	if p.rec != nil {
		p.rec.JobsFailed.WithLabelValues(string(reason)).Inc()
	}
	p.sink.Publish(events.Event{
		Type:      events.TypeJobFailed,
		JobID:     job.ID,
		AccountID: job.AccountID,
		Detail:    map[string]interface{}{"reason": string(reason), "error": detail},
	})
}

func (p *Pool) settleCancelled(ctx context.Context, job *Job) {
	job.State = StateCancelled
	job.FailReason = ReasonCancelled
	job.UpdatedAt = time.Now()

	err := p.ledger.Record(ctx, ledger.Record{
		JobID:      job.ID,
		FinalState: string(StateCancelled),
		Reason:     string(ReasonCancelled),
	})
	if err != nil && !errors.Is(err, ledger.ErrAlreadyRecorded) {
		p.logger.Error("ledger write failed", "job_id", job.ID, "error", err)
	}

	if err := p.store.Update(ctx, job); err != nil && !errors.Is(err, ErrStaleLease) {
		p.logger.Error("failed to finalize cancelled job", "job_id", job.ID, "error", err)
	}

	p.logger.Info("job cancelled", "job_id", job.ID)
	p.sink.Publish(events.Event{Type: events.TypeJobCancelled, JobID: job.ID, AccountID: job.AccountID})
}

// suspendAndFail handles a credential the provider keeps rejecting
// after a successful-looking refresh: the account is suspended so its
// remaining jobs stop churning, and the current job fails terminally.
func (p *Pool) suspendAndFail(ctx context.Context, job *Job, acct *account.Account, detail string) {
	if err := p.accounts.SetStatus(ctx, acct.ID, account.StatusSuspended); err != nil {
		p.logger.Error("failed to suspend account", "account_id", acct.ID, "error", err)
	}
	p.logger.Warn("account suspended after repeated auth failures", "account_id", acct.ID)
	p.settleFailed(ctx, job, ReasonAuthFailure, detail, "")
}

// handleRevocation fails the current job and every other pending job
// for the account. The credential store has already moved the account
// to credential-expired.
func (p *Pool) handleRevocation(ctx context.Context, job *Job, acct *account.Account) {
	p.settleFailed(ctx, job, ReasonAuthFailure, "credential revoked by provider", "")

	failed, err := p.store.FailPending(ctx, acct.ID, ReasonAuthFailure, "credential revoked by provider")
	if err != nil {
		p.logger.Error("failed to fail pending jobs", "account_id", acct.ID, "error", err)
		return
	}

	for _, other := range failed {
		recErr := p.ledger.Record(ctx, ledger.Record{
			JobID:      other.ID,
			FinalState: string(StateFailed),
			Reason:     fmt.Sprintf("%s: credential revoked by provider", ReasonAuthFailure),
		})
		if recErr != nil && !errors.Is(recErr, ledger.ErrAlreadyRecorded) {
			p.logger.Error("ledger write failed", "job_id", other.ID, "error", recErr)
		}
		if p.rec != nil {
			p.rec.JobsFailed.WithLabelValues(string(ReasonAuthFailure)).Inc()
		}
		p.sink.Publish(events.Event{
			Type:      events.TypeJobFailed,
			JobID:     other.ID,
			AccountID: acct.ID,
			Detail:    map[string]interface{}{"reason": string(ReasonAuthFailure)},
		})
	}

	p.logger.Warn("revocation fan-out complete",
		"account_id", acct.ID,
		"jobs_failed", len(failed)+1)
}
