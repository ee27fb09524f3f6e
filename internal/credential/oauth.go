package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/evermail/dispatch/internal/config"
)

// Refresher exchanges an expiring credential for a fresh one. Each
// provider family gets its own refresher; generic password accounts use
// NoopRefresher.
type Refresher interface {
	Refresh(ctx context.Context, cred *Credential) (*Credential, error)
}

// OAuthRefresher performs the standard refresh_token grant against a
// provider token endpoint. Both Google and Microsoft endpoints speak
// this shape.
type OAuthRefresher struct {
	cfg    config.OAuthClientConfig
	client *http.Client
}

func NewOAuthRefresher(cfg config.OAuthClientConfig) *OAuthRefresher {
	return &OAuthRefresher{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (r *OAuthRefresher) Refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	if cred.RefreshToken == "" {
		return nil, ErrRevoked
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"client_id":     {r.cfg.ClientID},
		"client_secret": {r.cfg.ClientSecret},
	}
	if len(r.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(r.cfg.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	if tok.Error != "" || resp.StatusCode != http.StatusOK {
		// invalid_grant means the user revoked access or the refresh
		// token aged out; anything else on a 4xx is treated the same
		// since retrying will not help without user action.
		if tok.Error == "invalid_grant" ||
			(resp.StatusCode >= 400 && resp.StatusCode < 500) {
			return nil, fmt.Errorf("%w: %s %s", ErrRevoked, tok.Error, tok.ErrorDesc)
		}
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, tok.Error)
	}

	next := &Credential{
		AccountID:    cred.AccountID,
		AccessToken:  tok.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	// Some providers rotate the refresh token on every grant.
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	return next, nil
}

// NoopRefresher serves static-password accounts, whose credentials
// never expire.
type NoopRefresher struct{}

func (NoopRefresher) Refresh(_ context.Context, cred *Credential) (*Credential, error) {
	cp := *cred
	return &cp, nil
}
