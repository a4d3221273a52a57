package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apifest/oauth20/internal/util"
	"github.com/apifest/oauth20/storage"
)

// ============================================================
// TokenStore implementation
// ============================================================

// tokenTTL returns the retention for a token record. Records holding a
// refresh token are kept past access expiry so the refresh grant can rotate
// them; others expire with the access token.
func (s *Store) tokenTTL(token *storage.AccessToken) time.Duration {
	if token.RefreshToken != "" {
		return s.refreshRetention
	}
	if token.ExpiresIn > 0 {
		return time.Duration(token.ExpiresIn) * time.Second
	}
	return 0
}

// SaveAccessToken persists an access token record and indexes its refresh
// token when present.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	ttl := s.tokenTTL(token)
	if err := s.setRecord(ctx, s.tokenKey(token.Token), token.ToRecord(), ttl); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}

	if token.RefreshToken != "" {
		key := s.refreshKey(token.RefreshToken)
		err := s.client.Do(ctx,
			s.client.B().Set().Key(key).Value(token.Token).Ex(ttl).Build(),
		).Error()
		if err != nil {
			return fmt.Errorf("failed to index refresh token: %w", err)
		}
	}

	s.logger.Debug("Saved access token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID,
		"grant_type", token.Type)
	return nil
}

// GetAccessToken retrieves an access token record by token string.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	rec, err := s.getRecord(ctx, s.tokenKey(token))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w", storage.ErrTokenNotFound)
	}
	return storage.TokenFromRecord(rec)
}

// GetAccessTokenByRefresh retrieves the access token owning a refresh token,
// scoped to the issuing client.
func (s *Store) GetAccessTokenByRefresh(ctx context.Context, refreshToken, clientID string) (*storage.AccessToken, error) {
	accessToken, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshKey(refreshToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w", storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("failed to resolve refresh token: %w", err)
	}

	rec, err := s.GetAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if rec.ClientID != clientID {
		return nil, fmt.Errorf("%w", storage.ErrTokenNotFound)
	}
	return rec, nil
}

// TokenExists reports whether a record exists for the token string.
func (s *Store) TokenExists(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.tokenKey(token)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check token existence: %w", err)
	}
	return n > 0, nil
}

// AtomicRevokeAccessToken marks the token invalid via a Lua script. Returns
// true only for the call that performed the transition.
func (s *Store) AtomicRevokeAccessToken(ctx context.Context, token string) (bool, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeToken).
			Numkeys(1).
			Key(s.tokenKey(token)).
			Build(),
	).ToString()
	if err != nil {
		return false, fmt.Errorf("failed to execute atomic revoke: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return false, fmt.Errorf("%w", storage.ErrTokenNotFound)
	case "ALREADY_INVALID":
		return false, nil
	}

	s.logger.Debug("Revoked access token",
		"token_prefix", util.SafeTruncate(token, tokenIDLogLength))
	return true, nil
}

// AtomicConsumeRefreshToken invalidates the access token owning the refresh
// token via a Lua script and returns its record for rotation.
func (s *Store) AtomicConsumeRefreshToken(ctx context.Context, refreshToken, clientID string) (*storage.AccessToken, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeRefreshToken).
			Numkeys(1).
			Key(s.refreshKey(refreshToken)).
			Arg(s.prefix+"token:").
			Arg(clientID).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh consume: %w", err)
	}

	if result == "NOT_FOUND" {
		return nil, fmt.Errorf("%w", storage.ErrTokenNotFound)
	}

	var rec storage.Record
	if err := json.Unmarshal([]byte(result), &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrMalformedRecord, err)
	}

	old, err := storage.TokenFromRecord(rec)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Consumed refresh token",
		"token_prefix", util.SafeTruncate(old.Token, tokenIDLogLength),
		"client_id", clientID)
	return old, nil
}
