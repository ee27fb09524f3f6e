package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/evermail/dispatch/internal/account"
)

// Store hands out valid credentials, refreshing them before expiry.
// Refreshes for the same account are single-flight: concurrent callers
// share one upstream token call instead of issuing duplicates.
type Store struct {
	backend    Backend
	accounts   account.Store
	refreshers map[account.Provider]Refresher
	skew       time.Duration
	group      singleflight.Group
	logger     *slog.Logger
}

// NewStore creates a credential store.
func NewStore(backend Backend, accounts account.Store, skew time.Duration) *Store {
	return &Store{
		backend:    backend,
		accounts:   accounts,
		refreshers: make(map[account.Provider]Refresher),
		skew:       skew,
		logger:     slog.Default().With("component", "credential-store"),
	}
}

// RegisterRefresher binds a refresher to a provider family.
func (s *Store) RegisterRefresher(p account.Provider, r Refresher) {
	s.refreshers[p] = r
}

// Put stores a credential for an account, typically on first connect.
func (s *Store) Put(ctx context.Context, cred *Credential) error {
	return s.backend.Save(ctx, cred)
}

// Revoke removes an account's credential on disconnect.
func (s *Store) Revoke(ctx context.Context, accountID string) error {
	return s.backend.Delete(ctx, accountID)
}

// GetValid returns a credential safe to use for the next provider call.
// If the stored credential is inside the refresh skew it is refreshed
// first; the old credential is kept until the new one is saved, so
// readers never observe a half-updated credential.
//
// A refresh rejected as revoked transitions the account to
// credential-expired and returns ErrRevoked.
func (s *Store) GetValid(ctx context.Context, acct *account.Account) (*Credential, error) {
	cred, err := s.backend.Load(ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	if !cred.NeedsRefresh(s.skew) {
		return cred, nil
	}

	v, err, _ := s.group.Do(acct.ID, func() (interface{}, error) {
		return s.refresh(ctx, acct)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

// ForceRefresh refreshes regardless of expiry. Used when a provider
// rejects a token the store still believes is valid.
func (s *Store) ForceRefresh(ctx context.Context, acct *account.Account) (*Credential, error) {
	v, err, _ := s.group.Do(acct.ID+":force", func() (interface{}, error) {
		return s.refreshNow(ctx, acct)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (s *Store) refresh(ctx context.Context, acct *account.Account) (*Credential, error) {
	// Reload inside the flight: a concurrent caller may have refreshed
	// between our check and acquiring the flight.
	cred, err := s.backend.Load(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	if !cred.NeedsRefresh(s.skew) {
		return cred, nil
	}
	return s.doRefresh(ctx, acct, cred)
}

func (s *Store) refreshNow(ctx context.Context, acct *account.Account) (*Credential, error) {
	cred, err := s.backend.Load(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	return s.doRefresh(ctx, acct, cred)
}

func (s *Store) doRefresh(ctx context.Context, acct *account.Account, cred *Credential) (*Credential, error) {

	refresher, ok := s.refreshers[acct.Provider]
	if !ok {
		return nil, fmt.Errorf("no refresher for provider %s: %w", acct.Provider, ErrExpired)
	}

	s.logger.Debug("refreshing credential", "account_id", acct.ID, "provider", acct.Provider)

	next, err := refresher.Refresh(ctx, cred)
	if err != nil {
		if errors.Is(err, ErrRevoked) {
			s.logger.Warn("credential revoked by provider",
				"account_id", acct.ID,
				"provider", acct.Provider)
			if stErr := s.accounts.SetStatus(ctx, acct.ID, account.StatusCredentialExpired); stErr != nil {
				s.logger.Error("failed to mark account credential-expired",
					"account_id", acct.ID,
					"error", stErr)
			}
		}
		return nil, err
	}

	if err := s.backend.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}

	s.logger.Info("credential refreshed",
		"account_id", acct.ID,
		"expiry", next.Expiry.Format(time.RFC3339))

	return next, nil
}
