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
// CodeStore implementation
// ============================================================

// SaveAuthCode persists an issued authorization code with a TTL matching its
// lifetime, so expired codes disappear without a sweeper.
func (s *Store) SaveAuthCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	ttl := time.Duration(code.ExpiresIn) * time.Second
	if err := s.setRecord(ctx, s.codeKey(code.Code), code.ToRecord(), ttl); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthCode retrieves an authorization code record without consuming it.
func (s *Store) GetAuthCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	rec, err := s.getRecord(ctx, s.codeKey(code))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w", storage.ErrAuthCodeNotFound)
	}
	return storage.AuthCodeFromRecord(rec)
}

// AtomicConsumeAuthCode atomically validates and consumes an authorization
// code via a Lua script, so only one of any set of concurrent exchanges
// succeeds.
func (s *Store) AtomicConsumeAuthCode(ctx context.Context, code, redirectURI string) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(fmt.Sprintf("%d", time.Now().UnixMilli())).
			Arg(redirectURI).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, fmt.Errorf("%w", storage.ErrAuthCodeNotFound)
	case "EXPIRED":
		return nil, fmt.Errorf("%w: authorization code", storage.ErrExpired)
	case "ALREADY_USED":
		s.logger.Warn("Authorization code reuse attempt",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
		return nil, fmt.Errorf("%w", storage.ErrAuthCodeConsumed)
	case "URI_MISMATCH":
		return nil, fmt.Errorf("%w: redirect URI mismatch", storage.ErrAuthCodeNotFound)
	}

	var rec storage.Record
	if err := json.Unmarshal([]byte(result), &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrMalformedRecord, err)
	}

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	return storage.AuthCodeFromRecord(rec)
}
