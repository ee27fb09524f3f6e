package account

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("account not found")

// Provider identifies which adapter handles an account's traffic.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderIMAP    Provider = "imap" // generic SMTP out / IMAP in
)

// Status is the account lifecycle state.
type Status string

const (
	// StatusActive accounts accept and dispatch jobs.
	StatusActive Status = "active"
	// StatusSuspended accounts are paused by the operator or by abuse
	// reports; queued jobs stay queued.
	StatusSuspended Status = "suspended"
	// StatusCredentialExpired accounts had a refresh rejected by the
	// provider; jobs fail terminally until the user reconnects.
	StatusCredentialExpired Status = "credential-expired"
)

// Account is a connected mailbox the engine sends and syncs on behalf
// of. Credentials are owned by the credential store and referenced by
// account id, never embedded here.
type Account struct {
	ID       string   `json:"id"`
	UserID   string   `json:"user_id"`
	Email    string   `json:"email"`
	Provider Provider `json:"provider"`
	Status   Status   `json:"status"`

	// RateTier scales the per-account send limit. 0 means the
	// configured default.
	RateTier int `json:"rate_tier,omitempty"`

	// Endpoint settings for the generic SMTP/IMAP variant. Ignored for
	// API providers.
	SMTPHost string `json:"smtp_host,omitempty"`
	SMTPPort int    `json:"smtp_port,omitempty"`
	IMAPHost string `json:"imap_host,omitempty"`
	IMAPPort int    `json:"imap_port,omitempty"`

	// SyncCursor is the provider-specific resume point for FetchNew.
	SyncCursor string `json:"sync_cursor,omitempty"`

	LastSentAt time.Time `json:"last_sent_at,omitempty"`
	TotalSent  int64     `json:"total_sent"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists accounts.
type Store interface {
	Get(ctx context.Context, id string) (*Account, error)
	Put(ctx context.Context, acct *Account) error
	SetStatus(ctx context.Context, id string, status Status) error
	SetSyncCursor(ctx context.Context, id string, cursor string) error
	// RecordSend bumps the account's sent counters after a successful
	// dispatch.
	RecordSend(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context) ([]*Account, error)
	Delete(ctx context.Context, id string) error
}
