package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apifest/oauth20/instrumentation"
	"github.com/apifest/oauth20/internal/util"
	"github.com/apifest/oauth20/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging
	// token strings. Enough for debugging correlation without exposing the
	// credential.
	tokenIDLogLength = 8

	// defaultRefreshRetention is how long a token record with a refresh token
	// survives past its access expiry, so the refresh grant can still rotate
	// it.
	defaultRefreshRetention = 30 * 24 * time.Hour
)

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.ClientCredentials
	scopes  map[string]*storage.Scope
	codes   map[string]*storage.AuthorizationCode

	tokens       map[string]*storage.AccessToken
	refreshIndex map[string]string // refresh token -> access token string

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during collection)
	tokensCountAtomic  atomic.Int64
	clientsCountAtomic atomic.Int64
	codesCountAtomic   atomic.Int64
	scopesCountAtomic  atomic.Int64

	cleanupInterval  time.Duration
	refreshRetention time.Duration
	stopCleanup      chan struct{}
	stopOnce         sync.Once
	logger           *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.ScopeStore  = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval of one
// minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. Zero or negative intervals fall back to one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:          make(map[string]*storage.ClientCredentials),
		scopes:           make(map[string]*storage.Scope),
		codes:            make(map[string]*storage.AuthorizationCode),
		tokens:           make(map[string]*storage.AccessToken),
		refreshIndex:     make(map[string]string),
		cleanupInterval:  cleanupInterval,
		refreshRetention: defaultRefreshRetention,
		stopCleanup:      make(chan struct{}),
		logger:           slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.scopesCountAtomic.Store(int64(len(s.scopes)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.scopesCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore implementation
// ============================================================

// SaveClient persists a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.ClientCredentials) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ID == "" {
		err = fmt.Errorf("client ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ID]
	cp := *client
	s.clients[client.ID] = &cp
	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ID, "client_type", client.Type)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.ClientCredentials, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	cp := *client
	return &cp, nil
}

// ClientExists reports whether a registration exists for the ID.
func (s *Store) ClientExists(ctx context.Context, clientID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[clientID]
	return ok, nil
}

// UpdateClientStatus sets a client's status.
func (s *Store) UpdateClientStatus(ctx context.Context, clientID string, status storage.ClientStatus) error {
	ctx, span := s.startStorageSpan(ctx, "update_client_status")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "update_client_status", err, startTime) }()

	if !status.Valid() {
		err = fmt.Errorf("invalid client status %q", status)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return err
	}

	client.Status = status
	s.logger.Debug("Updated client status", "client_id", clientID, "status", status)
	return nil
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.ClientCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.ClientCredentials, 0, len(s.clients))
	for _, client := range s.clients {
		cp := *client
		clients = append(clients, &cp)
	}
	return clients, nil
}

// ============================================================
// ScopeStore implementation
// ============================================================

// SaveScope persists a scope definition.
func (s *Store) SaveScope(ctx context.Context, scope *storage.Scope) error {
	ctx, span := s.startStorageSpan(ctx, "save_scope")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_scope", err, startTime) }()

	if scope == nil || scope.Name == "" {
		err = fmt.Errorf("scope name cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scopes[scope.Name]; exists {
		err = fmt.Errorf("%w: %s", storage.ErrScopeExists, scope.Name)
		return err
	}

	cp := *scope
	s.scopes[scope.Name] = &cp
	s.scopesCountAtomic.Add(1)

	s.logger.Debug("Saved scope", "scope", scope.Name)
	return nil
}

// UpdateScope replaces an existing scope definition.
func (s *Store) UpdateScope(ctx context.Context, scope *storage.Scope) error {
	ctx, span := s.startStorageSpan(ctx, "update_scope")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "update_scope", err, startTime) }()

	if scope == nil || scope.Name == "" {
		err = fmt.Errorf("scope name cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scopes[scope.Name]; !exists {
		err = fmt.Errorf("%w: %s", storage.ErrScopeNotFound, scope.Name)
		return err
	}

	cp := *scope
	s.scopes[scope.Name] = &cp
	return nil
}

// GetScope retrieves a scope definition by name.
func (s *Store) GetScope(ctx context.Context, name string) (*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope, ok := s.scopes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrScopeNotFound, name)
	}
	cp := *scope
	return &cp, nil
}

// ListScopes lists all registered scope definitions.
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scopes := make([]*storage.Scope, 0, len(s.scopes))
	for _, scope := range s.scopes {
		cp := *scope
		scopes = append(scopes, &cp)
	}
	return scopes, nil
}

// ============================================================
// CodeStore implementation
// ============================================================

// SaveAuthCode persists an issued authorization code.
func (s *Store) SaveAuthCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_auth_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_auth_code", err, startTime) }()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("authorization code cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.codes[code.Code]
	cp := *code
	s.codes[code.Code] = &cp
	if !existed {
		s.codesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthCode retrieves an authorization code record without consuming it.
func (s *Store) GetAuthCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w", storage.ErrAuthCodeNotFound)
	}
	cp := *rec
	return &cp, nil
}

// AtomicConsumeAuthCode atomically validates and consumes an authorization
// code. The whole check-and-mark runs under the write lock so concurrent
// exchanges observe exactly one winner.
func (s *Store) AtomicConsumeAuthCode(ctx context.Context, code, redirectURI string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_consume_auth_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "atomic_consume_auth_code", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		err = fmt.Errorf("%w", storage.ErrAuthCodeNotFound)
		return nil, err
	}

	if rec.Expired() {
		err = fmt.Errorf("%w: authorization code", storage.ErrExpired)
		return nil, err
	}

	if !rec.Valid {
		s.logger.Warn("Authorization code reuse attempt",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
			"client_id", rec.ClientID)
		err = fmt.Errorf("%w", storage.ErrAuthCodeConsumed)
		return nil, err
	}

	if rec.RedirectURI != redirectURI {
		err = fmt.Errorf("%w: redirect URI mismatch", storage.ErrAuthCodeNotFound)
		return nil, err
	}

	rec.Valid = false

	cp := *rec
	return &cp, nil
}

// ============================================================
// TokenStore implementation
// ============================================================

// SaveAccessToken persists an access token record and indexes its refresh
// token when present.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_access_token", err, startTime) }()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("token cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.tokens[token.Token]
	cp := *token
	s.tokens[token.Token] = &cp
	if token.RefreshToken != "" {
		s.refreshIndex[token.RefreshToken] = token.Token
	}
	if !existed {
		s.tokensCountAtomic.Add(1)
	}

	s.logger.Debug("Saved access token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID,
		"grant_type", token.Type)
	return nil
}

// GetAccessToken retrieves an access token record by token string.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	ctx, span := s.startStorageSpan(ctx, "get_access_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_access_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tokens[token]
	if !ok {
		err = fmt.Errorf("%w", storage.ErrTokenNotFound)
		return nil, err
	}
	cp := *rec
	return &cp, nil
}

// GetAccessTokenByRefresh retrieves the access token owning a refresh token,
// scoped to the issuing client.
func (s *Store) GetAccessTokenByRefresh(ctx context.Context, refreshToken, clientID string) (*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.lookupByRefreshLocked(refreshToken, clientID)
	if rec == nil {
		return nil, fmt.Errorf("%w", storage.ErrTokenNotFound)
	}
	cp := *rec
	return &cp, nil
}

// TokenExists reports whether a record exists for the token string.
func (s *Store) TokenExists(ctx context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tokens[token]
	return ok, nil
}

// AtomicRevokeAccessToken marks the token invalid if it is currently valid.
// Returns true only for the call that performed the transition.
func (s *Store) AtomicRevokeAccessToken(ctx context.Context, token string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_revoke_access_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "atomic_revoke_access_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[token]
	if !ok {
		err = fmt.Errorf("%w", storage.ErrTokenNotFound)
		return false, err
	}

	if !rec.Valid {
		return false, nil
	}

	rec.Valid = false
	s.logger.Debug("Revoked access token",
		"token_prefix", util.SafeTruncate(token, tokenIDLogLength),
		"client_id", rec.ClientID)
	return true, nil
}

// AtomicConsumeRefreshToken invalidates the access token owning the refresh
// token and returns its record for rotation. Only the first of any set of
// concurrent callers receives the record.
func (s *Store) AtomicConsumeRefreshToken(ctx context.Context, refreshToken, clientID string) (*storage.AccessToken, error) {
	ctx, span := s.startStorageSpan(ctx, "atomic_consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordStorageOperation(ctx, span, "atomic_consume_refresh_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.lookupByRefreshLocked(refreshToken, clientID)
	if rec == nil || !rec.Valid {
		err = fmt.Errorf("%w", storage.ErrTokenNotFound)
		return nil, err
	}

	rec.Valid = false
	delete(s.refreshIndex, refreshToken)

	s.logger.Debug("Consumed refresh token",
		"token_prefix", util.SafeTruncate(rec.Token, tokenIDLogLength),
		"client_id", clientID)

	cp := *rec
	return &cp, nil
}

// lookupByRefreshLocked resolves a refresh token to its access token record.
// Caller holds at least the read lock.
func (s *Store) lookupByRefreshLocked(refreshToken, clientID string) *storage.AccessToken {
	accessToken, ok := s.refreshIndex[refreshToken]
	if !ok {
		return nil
	}
	rec, ok := s.tokens[accessToken]
	if !ok || rec.ClientID != clientID {
		return nil
	}
	return rec
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops expired authorization codes and expired or invalidated
// tokens, keeping the maps bounded under sustained traffic.
func (s *Store) cleanup() {
	now := time.Now()
	var expiredCodes, expiredTokens int

	s.mu.Lock()

	for code, rec := range s.codes {
		if now.After(rec.ValidUntil()) {
			delete(s.codes, code)
			s.codesCountAtomic.Add(-1)
			expiredCodes++
		}
	}

	for token, rec := range s.tokens {
		until := rec.ValidUntil()
		if until.IsZero() || !now.After(until) {
			continue
		}
		// Records holding a still-usable refresh token survive access expiry
		// so the refresh grant can rotate them.
		if rec.RefreshToken != "" && rec.Valid && now.Before(rec.Created.Add(s.refreshRetention)) {
			continue
		}
		if rec.RefreshToken != "" {
			delete(s.refreshIndex, rec.RefreshToken)
		}
		delete(s.tokens, token)
		s.tokensCountAtomic.Add(-1)
		expiredTokens++
	}

	s.mu.Unlock()

	if expiredCodes > 0 || expiredTokens > 0 {
		s.logger.Debug("Cleaned up expired records",
			"codes", expiredCodes,
			"tokens", expiredTokens)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
