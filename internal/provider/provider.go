// Package provider translates the canonical message model into the wire
// calls of each supported provider and owns the classification of
// provider errors into the engine's three-way taxonomy. Adapters are
// stateless per call; credential and message are passed in.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/evermail/dispatch/internal/account"
	"github.com/evermail/dispatch/internal/credential"
	"github.com/evermail/dispatch/internal/message"
)

// Class is the failure taxonomy the dispatch pipeline acts on. Raw
// provider errors never leave this package.
type Class string

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient Class = "transient"
	// ClassPermanent failures are surfaced to the submitting user.
	ClassPermanent Class = "permanent"
	// ClassAuth failures trigger one credential refresh, then suspend.
	ClassAuth Class = "auth"
)

// Error carries a classified provider failure.
type Error struct {
	Class    Class
	Provider string
	Code     string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s send failed (%s, code %s): %v", e.Provider, e.Class, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary satisfies the retry check used across the engine.
func (e *Error) Temporary() bool { return e.Class == ClassTransient }

// Transient wraps err as a retryable provider failure.
func Transient(providerName, code string, err error) *Error {
	return &Error{Class: ClassTransient, Provider: providerName, Code: code, Err: err}
}

// Permanent wraps err as a terminal, user-visible failure.
func Permanent(providerName, code string, err error) *Error {
	return &Error{Class: ClassPermanent, Provider: providerName, Code: code, Err: err}
}

// AuthFailure wraps err as a credential problem.
func AuthFailure(providerName, code string, err error) *Error {
	return &Error{Class: ClassAuth, Provider: providerName, Code: code, Err: err}
}

// ClassOf extracts the class from an error. Timeouts and anything
// unclassified count as transient: the pipeline would rather retry an
// unknown failure than bounce a deliverable message.
func ClassOf(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// Adapter is the uniform capability surface: one variant per provider
// protocol, selected by the account's provider type at processing time.
type Adapter interface {
	Provider() account.Provider

	// Send submits the message and returns the provider's message id.
	// Failures are always *Error values.
	Send(ctx context.Context, cred *credential.Credential, acct *account.Account, msg *message.Message) (string, error)

	// FetchNew returns a finite page of inbound messages newer than
	// cursor, plus the cursor to resume from. An empty next cursor
	// means the input cursor still stands.
	FetchNew(ctx context.Context, cred *credential.Credential, acct *account.Account, cursor string, limit int) ([]message.Inbound, string, error)
}

// Registry resolves adapters by provider type.
type Registry struct {
	adapters map[account.Provider]Adapter
}

// NewRegistry builds the closed adapter set. OAuth client settings live
// in the credential store; adapters only consume issued tokens.
func NewRegistry(content ContentStore) *Registry {
	r := &Registry{adapters: make(map[account.Provider]Adapter)}
	r.Register(NewGmail(content))
	r.Register(NewOutlook(content))
	r.Register(NewSMTPIMAP(content))
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Provider()] = a
}

// Lookup returns the adapter for a provider type.
func (r *Registry) Lookup(p account.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %s", p)
	}
	return a, nil
}
