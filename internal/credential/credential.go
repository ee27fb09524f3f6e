// Package credential owns provider secret material: storage, sealing at
// rest, and refresh before expiry. Nothing outside the engine reads
// credentials; workers borrow them for the duration of one provider
// call.
package credential

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("credential not found")
	// ErrRevoked means the provider rejected the refresh token; the
	// account must be reconnected by the user.
	ErrRevoked = errors.New("credential revoked")
	// ErrExpired means the credential is past expiry and no refresh
	// path exists.
	ErrExpired = errors.New("credential expired")
)

// Credential is the secret material for one account. OAuth accounts
// carry tokens with an expiry; generic SMTP/IMAP accounts carry a
// static password and a zero expiry.
type Credential struct {
	AccountID    string    `json:"account_id"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Password     string    `json:"password,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// NeedsRefresh reports whether the credential should be refreshed
// before use. Credentials without an expiry never refresh.
func (c *Credential) NeedsRefresh(skew time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return time.Now().After(c.Expiry.Add(-skew))
}

// Backend persists credentials, one per account.
type Backend interface {
	Load(ctx context.Context, accountID string) (*Credential, error)
	Save(ctx context.Context, cred *Credential) error
	Delete(ctx context.Context, accountID string) error
}

// MemoryBackend keeps credentials in process memory. Used in tests.
type MemoryBackend struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{creds: make(map[string]*Credential)}
}

func (b *MemoryBackend) Load(_ context.Context, accountID string) (*Credential, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cred, ok := b.creds[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (b *MemoryBackend) Save(_ context.Context, cred *Credential) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := *cred
	b.creds[cred.AccountID] = &cp
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, accountID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.creds, accountID)
	return nil
}
