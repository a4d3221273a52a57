package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/apifest/oauth20/instrumentation"
	"github.com/apifest/oauth20/security"
	"github.com/apifest/oauth20/storage"
)

// Supported grant and response types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"

	ResponseTypeCode = "code"

	// TokenTypeBearer is the token_type reported in token responses.
	TokenTypeBearer = "Bearer"
)

// TokenRequest carries the parameters of a token endpoint call. Fields not
// used by the requested grant type are ignored.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	RefreshToken string
	Username     string
	Password     string
	Scope        string
}

// TokenContext is what a resource server learns about a validated token.
type TokenContext struct {
	ClientID   string
	UserID     string
	Scope      string
	GrantType  string
	ValidUntil time.Time
}

// IssueAuthorizationCode validates an authorize request and issues a
// single-use authorization code bound to the client and redirect URI.
func (s *Server) IssueAuthorizationCode(ctx context.Context, clientID, redirectURI, state, scope, responseType string) (*storage.AuthorizationCode, error) {
	if responseType != ResponseTypeCode {
		return nil, ErrUnsupportedResponseType(responseType)
	}
	if redirectURI == "" {
		return nil, ErrMandatoryParamMissing("redirect_uri")
	}
	if _, err := url.ParseRequestURI(redirectURI); err != nil {
		return nil, ErrInvalidRedirectURI()
	}

	client, err := s.lookupActiveClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if _, err := s.resolveScopeLifetime(ctx, scope, GrantTypeAuthorizationCode); err != nil {
		return nil, err
	}

	codeValue, err := s.generateAuthCode(ctx)
	if err != nil {
		return nil, err
	}

	code := &storage.AuthorizationCode{
		Code:        codeValue,
		ClientID:    client.ID,
		RedirectURI: redirectURI,
		State:       state,
		Scope:       scope,
		Type:        responseType,
		Valid:       true,
		Created:     time.Now(),
		ExpiresIn:   int64(s.Config.AuthCodeLifetime.Seconds()),
	}
	if err := s.store.SaveAuthCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to persist authorization code: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthCodeIssued,
		ClientID: client.ID,
		Details:  map[string]any{"scope": scope},
	})

	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, client.ID)
	}

	return code, nil
}

// IssueAccessToken runs the grant state machine: parameter presence, client
// authentication, grant-specific checks, scope resolution, token synthesis.
// The first failing check wins.
func (s *Server) IssueAccessToken(ctx context.Context, req *TokenRequest) (*storage.AccessToken, error) {
	if req == nil || req.GrantType == "" {
		return nil, ErrMandatoryParamMissing("grant_type")
	}

	ctx, span := s.startSpan(ctx, "server.issue_access_token",
		attribute.String(instrumentation.AttrGrantType, req.GrantType))
	defer span.End()

	var (
		token *storage.AccessToken
		err   error
	)
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		token, err = s.grantAuthorizationCode(ctx, req)
	case GrantTypeClientCredentials:
		token, err = s.grantClientCredentials(ctx, req)
	case GrantTypePassword:
		token, err = s.grantPassword(ctx, req)
	case GrantTypeRefreshToken:
		token, err = s.grantRefreshToken(ctx, req)
	default:
		err = ErrUnsupportedGrantType(req.GrantType)
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, req.GrantType, err == nil)
	}

	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	instrumentation.SetSpanSuccess(span)
	s.Auditor.LogTokenIssued(token.ClientID, req.GrantType, token.Scope)
	return token, nil
}

func (s *Server) grantAuthorizationCode(ctx context.Context, req *TokenRequest) (*storage.AccessToken, error) {
	if req.Code == "" {
		return nil, ErrMandatoryParamMissing("code")
	}
	if req.RedirectURI == "" {
		return nil, ErrMandatoryParamMissing("redirect_uri")
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	// The check-and-consume is a single conditional write at the storage
	// layer, so two racing exchanges cannot both succeed.
	code, err := s.store.AtomicConsumeAuthCode(ctx, req.Code, req.RedirectURI)
	if err != nil {
		if errors.Is(err, storage.ErrAuthCodeConsumed) {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventAuthCodeReuseAttempt,
				ClientID: client.ID,
			})
			if m := s.metrics(); m != nil {
				m.RecordCodeReuseDetected(ctx)
			}
		}
		return nil, asProtocolError(err, ErrInvalidAuthCode())
	}

	if code.ClientID != client.ID {
		// The code is burned either way; a cross-client exchange attempt
		// must not leave it exchangeable.
		return nil, ErrInvalidAuthCode()
	}

	lifetime, err := s.resolveScopeLifetime(ctx, code.Scope, GrantTypeAuthorizationCode)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthCodeConsumed,
		ClientID: client.ID,
	})

	return s.synthesizeToken(ctx, client.ID, "", code.Scope, GrantTypeAuthorizationCode, lifetime, true)
}

func (s *Server) grantClientCredentials(ctx context.Context, req *TokenRequest) (*storage.AccessToken, error) {
	if req.ClientSecret == "" {
		return nil, ErrMandatoryParamMissing("client_secret")
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if client.Type != storage.ClientTypeConfidential {
		return nil, ErrUnauthorizedClient("client_credentials grant requires a confidential client")
	}

	lifetime, err := s.resolveScopeLifetime(ctx, req.Scope, GrantTypeClientCredentials)
	if err != nil {
		return nil, err
	}

	// No refresh token: the client can always authenticate again.
	return s.synthesizeToken(ctx, client.ID, "", req.Scope, GrantTypeClientCredentials, lifetime, false)
}

func (s *Server) grantPassword(ctx context.Context, req *TokenRequest) (*storage.AccessToken, error) {
	if req.Username == "" {
		return nil, ErrMandatoryParamMissing("username")
	}
	if req.Password == "" {
		return nil, ErrMandatoryParamMissing("password")
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if s.verifier == nil {
		return nil, ErrUnauthorizedClient("password grant is not enabled")
	}

	userID, err := s.verifier.VerifyCredentials(ctx, req.Username, req.Password)
	if err != nil {
		s.Auditor.LogAuthFailure(req.Username, client.ID, "", "resource owner credentials rejected")
		return nil, ErrInvalidUsernamePassword()
	}

	lifetime, err := s.resolveScopeLifetime(ctx, req.Scope, GrantTypePassword)
	if err != nil {
		return nil, err
	}

	return s.synthesizeToken(ctx, client.ID, userID, req.Scope, GrantTypePassword, lifetime, true)
}

func (s *Server) grantRefreshToken(ctx context.Context, req *TokenRequest) (*storage.AccessToken, error) {
	if req.RefreshToken == "" {
		return nil, ErrMandatoryParamMissing("refresh_token")
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	// Rotation consumes the refresh token and invalidates the old access
	// token in one conditional write; a replayed refresh token fails here.
	old, err := s.store.AtomicConsumeRefreshToken(ctx, req.RefreshToken, client.ID)
	if err != nil {
		return nil, asProtocolError(err, ErrInvalidRefreshToken())
	}

	lifetime, err := s.resolveScopeLifetime(ctx, old.Scope, GrantTypeRefreshToken)
	if err != nil {
		return nil, err
	}

	token, err := s.synthesizeToken(ctx, client.ID, old.UserID, old.Scope, GrantTypeRefreshToken, lifetime, true)
	if err != nil {
		return nil, err
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ID)
	}
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventTokenRefreshed,
		ClientID: client.ID,
	})

	return token, nil
}

// synthesizeToken generates, persists, and returns a new access token.
func (s *Server) synthesizeToken(ctx context.Context, clientID, userID, scope, grantType string, lifetime int64, withRefresh bool) (*storage.AccessToken, error) {
	tokenValue, err := s.generateUniqueToken(ctx)
	if err != nil {
		return nil, err
	}

	var refreshValue string
	if withRefresh {
		refreshValue, err = s.generateUniqueToken(ctx)
		if err != nil {
			return nil, err
		}
	}

	token := &storage.AccessToken{
		Token:        tokenValue,
		RefreshToken: refreshValue,
		ClientID:     clientID,
		UserID:       userID,
		Scope:        scope,
		Type:         grantType,
		Valid:        true,
		Created:      time.Now(),
		ExpiresIn:    lifetime,
	}
	if err := s.store.SaveAccessToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to persist access token: %w", err)
	}
	return token, nil
}

// generateUniqueToken draws token values until one does not collide with an
// existing record.
func (s *Server) generateUniqueToken(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		value := s.random.CharsDigitsString(AccessTokenLength)
		exists, err := s.store.TokenExists(ctx, value)
		if err != nil {
			return "", fmt.Errorf("failed to check token uniqueness: %w", err)
		}
		if !exists {
			return value, nil
		}
		s.Logger.Warn("Token collision, regenerating", "attempt", attempt+1)
	}
	return "", fmt.Errorf("exhausted %d attempts generating a unique token", maxGenerateAttempts)
}

// generateAuthCode draws authorization codes until one is unused.
func (s *Server) generateAuthCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		value := s.random.CharsDigitsString(AuthCodeLength)
		_, err := s.store.GetAuthCode(ctx, value)
		if err != nil {
			if errors.Is(err, storage.ErrAuthCodeNotFound) {
				return value, nil
			}
			return "", fmt.Errorf("failed to check code uniqueness: %w", err)
		}
		s.Logger.Warn("Authorization code collision, regenerating", "attempt", attempt+1)
	}
	return "", fmt.Errorf("exhausted %d attempts generating a unique authorization code", maxGenerateAttempts)
}

// ValidateAccessToken resolves a bearer token for a resource server. The
// expiry comparison happens here, at read time; an expired row that still
// exists in storage never validates.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*TokenContext, error) {
	if token == "" {
		return nil, ErrMandatoryParamMissing("token")
	}

	rec, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		if m := s.metrics(); m != nil {
			m.RecordTokenValidation(ctx, false)
		}
		return nil, asProtocolError(err, ErrTokenNotFound())
	}

	if !rec.Valid || rec.Expired() {
		if m := s.metrics(); m != nil {
			m.RecordTokenValidation(ctx, false)
		}
		return nil, ErrTokenExpired()
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenValidation(ctx, true)
	}

	return &TokenContext{
		ClientID:   rec.ClientID,
		UserID:     rec.UserID,
		Scope:      rec.Scope,
		GrantType:  rec.Type,
		ValidUntil: rec.ValidUntil(),
	}, nil
}

// RevokeToken revokes the access token identified by an access or refresh
// token value, on behalf of the owning client. Returns true when this call
// performed the revocation; false when the token does not exist, belongs to
// another client, or was already invalid. Revoking twice is not an error.
func (s *Server) RevokeToken(ctx context.Context, token, clientID string) (bool, error) {
	if token == "" {
		return false, ErrMandatoryParamMissing("access_token")
	}

	rec, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		if !errors.Is(err, storage.ErrTokenNotFound) {
			return false, err
		}
		// Not an access token; try it as a refresh token. Revoking the
		// owning record kills both credentials at once.
		rec, err = s.store.GetAccessTokenByRefresh(ctx, token, clientID)
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				return false, nil
			}
			return false, err
		}
	}

	if rec.ClientID != clientID {
		// A client may only revoke its own tokens. Do not leak existence.
		return false, nil
	}

	revoked, err := s.store.AtomicRevokeAccessToken(ctx, rec.Token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return false, nil
		}
		return false, err
	}

	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, clientID, revoked)
	}
	s.Auditor.LogTokenRevoked(clientID, "", revoked)

	return revoked, nil
}

// startSpan begins a server-scoped span, or returns the ambient span when
// instrumentation is unset.
func (s *Server) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
