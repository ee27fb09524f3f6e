package queue

import (
	"time"

	"github.com/evermail/dispatch/internal/message"
)

// State is the dispatch lifecycle of a job.
type State string

const (
	// StateQueued jobs are waiting for a worker.
	StateQueued State = "queued"
	// StateRateDelayed jobs were pushed back by the rate limiter and
	// become eligible again at NextEligible.
	StateRateDelayed State = "rate-delayed"
	// StateInFlight jobs are leased to a worker right now.
	StateInFlight State = "in-flight"
	// StateRetrying jobs failed transiently and wait out their backoff.
	StateRetrying State = "retrying"
	// StateSent is terminal success.
	StateSent State = "sent"
	// StateFailed is terminal failure.
	StateFailed State = "failed"
	// StateCancelled is terminal, user requested.
	StateCancelled State = "cancelled"
)

// Terminal reports whether a state can never change again.
func (s State) Terminal() bool {
	return s == StateSent || s == StateFailed || s == StateCancelled
}

// claimable states are the ones Claim may lease out once eligible.
func (s State) claimable() bool {
	return s == StateQueued || s == StateRetrying || s == StateRateDelayed
}

// Kind distinguishes outbound sends from inbound sync jobs.
type Kind string

const (
	KindSend Kind = "send"
	KindSync Kind = "sync"
)

// Priority orders jobs within the eligible set.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// FailReason is the user-facing failure taxonomy recorded on terminal
// failures.
type FailReason string

const (
	ReasonTransient   FailReason = "transient"
	ReasonPermanent   FailReason = "permanent"
	ReasonAuthFailure FailReason = "auth-failure"
	ReasonRejected    FailReason = "rate-rejected"
	ReasonCancelled   FailReason = "cancelled"
)

// Job is one unit of dispatch work. Attempts strictly increase and
// NextEligible only moves forward; the store enforces both on update.
type Job struct {
	ID        string           `json:"id"`
	AccountID string           `json:"account_id"`
	Kind      Kind             `json:"kind"`
	Message   *message.Message `json:"message,omitempty"`
	Priority  Priority         `json:"priority"`
	State     State            `json:"state"`

	Attempts     int       `json:"attempts"`
	NextEligible time.Time `json:"next_eligible"`

	LeaseOwner   string    `json:"lease_owner,omitempty"`
	LeaseExpires time.Time `json:"lease_expires,omitempty"`

	// LeaseToken is issued fresh on every claim. Updates are accepted
	// only when the caller's token matches the stored one, so a stale
	// worker cannot overwrite a reclaimed job even if another process
	// reuses its owner name.
	LeaseToken string `json:"-"`

	// CancelRequested is set while the job is in flight; the worker
	// observes it after the current attempt, never mid-call.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	LastError  string     `json:"last_error,omitempty"`
	FailReason FailReason `json:"fail_reason,omitempty"`

	ProviderMessageID string `json:"provider_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cost is what the job charges against rate windows: one per recipient
// for sends, nothing for sync jobs.
func (j *Job) Cost() int {
	if j.Kind != KindSend || j.Message == nil {
		return 0
	}
	return j.Message.RecipientCount()
}

// Domain returns the recipient routing domain used for domain-scope
// rate limiting.
func (j *Job) Domain() string {
	if j.Message == nil || len(j.Message.To) == 0 {
		return ""
	}
	return message.Domain(j.Message.To[0])
}

// Stats summarizes queue depth by state.
type Stats struct {
	Queued      int `json:"queued"`
	RateDelayed int `json:"rate_delayed"`
	InFlight    int `json:"in_flight"`
	Retrying    int `json:"retrying"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
}
