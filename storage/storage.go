package storage

import (
	"context"
	"errors"
)

// Sentinel errors returned by store implementations. Callers should match
// them with errors.Is since implementations may wrap them with context.
var (
	// ErrClientNotFound indicates no client registration exists for the ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrScopeNotFound indicates no scope definition exists for the name.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrScopeExists indicates a scope with the same name is already registered.
	ErrScopeExists = errors.New("scope already exists")

	// ErrTokenNotFound indicates no access token record exists.
	ErrTokenNotFound = errors.New("token not found")

	// ErrAuthCodeNotFound indicates no authorization code record exists.
	ErrAuthCodeNotFound = errors.New("authorization code not found")

	// ErrAuthCodeConsumed indicates the authorization code was already
	// exchanged or invalidated. Repeated exchange attempts surface this.
	ErrAuthCodeConsumed = errors.New("authorization code already consumed")

	// ErrExpired indicates the record exists but its lifetime has elapsed.
	ErrExpired = errors.New("record expired")

	// ErrMalformedRecord indicates a persisted record could not be
	// reconstructed, typically due to missing or mistyped fields.
	ErrMalformedRecord = errors.New("malformed record")
)

// ClientStore manages registered client applications.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a client registration
	SaveClient(ctx context.Context, client *ClientCredentials) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*ClientCredentials, error)

	// ClientExists reports whether a registration exists for the ID
	ClientExists(ctx context.Context, clientID string) (bool, error)

	// UpdateClientStatus sets a client's status to active or inactive
	UpdateClientStatus(ctx context.Context, clientID string, status ClientStatus) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*ClientCredentials, error)
}

// ScopeStore manages scope definitions and their token lifetimes.
// All methods accept context.Context for tracing and cancellation.
type ScopeStore interface {
	// SaveScope persists a scope definition. Returns ErrScopeExists when a
	// definition with the same name is already registered.
	SaveScope(ctx context.Context, scope *Scope) error

	// UpdateScope replaces an existing scope definition.
	UpdateScope(ctx context.Context, scope *Scope) error

	// GetScope retrieves a scope definition by name
	GetScope(ctx context.Context, name string) (*Scope, error)

	// ListScopes lists all registered scope definitions
	ListScopes(ctx context.Context) ([]*Scope, error)
}

// CodeStore manages authorization codes issued by the code grant.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthCode persists an issued authorization code
	SaveAuthCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthCode retrieves an authorization code record without consuming it
	GetAuthCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// AtomicConsumeAuthCode atomically checks that the code is valid, unexpired,
	// bound to the given redirect URI, and unconsumed, then marks it consumed.
	// Exactly one of any set of concurrent callers succeeds; the rest receive
	// ErrAuthCodeConsumed. Expired codes yield ErrExpired, unknown codes
	// ErrAuthCodeNotFound.
	// SECURITY: this operation MUST be atomic to prevent double exchange.
	AtomicConsumeAuthCode(ctx context.Context, code, redirectURI string) (*AuthorizationCode, error)
}

// TokenStore manages access tokens and their refresh tokens.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveAccessToken persists an access token record
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token record by token string
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// GetAccessTokenByRefresh retrieves the access token record owning the
	// given refresh token, scoped to the issuing client
	GetAccessTokenByRefresh(ctx context.Context, refreshToken, clientID string) (*AccessToken, error)

	// TokenExists reports whether a record exists for the token string
	TokenExists(ctx context.Context, token string) (bool, error)

	// AtomicRevokeAccessToken atomically marks the token invalid if it is
	// currently valid. Returns true when this call performed the transition,
	// false when the token was already invalid.
	// SECURITY: this operation MUST be atomic so that concurrent revocations
	// report exactly one winner.
	AtomicRevokeAccessToken(ctx context.Context, token string) (bool, error)

	// AtomicConsumeRefreshToken atomically invalidates the access token owning
	// the refresh token and returns its record for rotation. Concurrent
	// callers race; exactly one receives the record, the rest ErrTokenNotFound.
	// SECURITY: this operation MUST be atomic to prevent refresh replay.
	AtomicConsumeRefreshToken(ctx context.Context, refreshToken, clientID string) (*AccessToken, error)
}

// Store aggregates the full persistence surface the authorization server
// needs. The bundled memory and valkey backends implement it.
type Store interface {
	ClientStore
	ScopeStore
	CodeStore
	TokenStore
}
