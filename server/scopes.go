package server

import (
	"context"
	"errors"
	"strings"

	"github.com/apifest/oauth20/security"
	"github.com/apifest/oauth20/storage"
)

// RegisterScope persists a new scope definition.
func (s *Server) RegisterScope(ctx context.Context, scope *storage.Scope) error {
	if err := validateScopeDefinition(scope); err != nil {
		return err
	}

	if err := s.store.SaveScope(ctx, scope); err != nil {
		if errors.Is(err, storage.ErrScopeExists) {
			return ErrScopeAlreadyExists(scope.Name)
		}
		return err
	}

	s.Auditor.LogEvent(security.Event{
		Type:    security.EventScopeRegistered,
		Details: map[string]any{"scope": scope.Name},
	})

	s.Logger.Info("Registered scope", "scope", scope.Name)

	if m := s.metrics(); m != nil {
		m.RecordScopeRegistration(ctx)
	}
	return nil
}

// UpdateScopeDefinition replaces an existing scope definition.
func (s *Server) UpdateScopeDefinition(ctx context.Context, scope *storage.Scope) error {
	if err := validateScopeDefinition(scope); err != nil {
		return err
	}

	if err := s.store.UpdateScope(ctx, scope); err != nil {
		if errors.Is(err, storage.ErrScopeNotFound) {
			return ErrScopeNotExist(scope.Name)
		}
		return err
	}

	s.Logger.Info("Updated scope", "scope", scope.Name)
	return nil
}

// ListScopes returns all registered scope definitions.
func (s *Server) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	return s.store.ListScopes(ctx)
}

func validateScopeDefinition(scope *storage.Scope) error {
	if scope == nil || scope.Name == "" {
		return ErrInvalidScopeDefinition("scope name is mandatory")
	}
	if strings.ContainsRune(scope.Name, ' ') {
		return ErrInvalidScopeDefinition("scope name must not contain spaces")
	}
	if scope.CCExpiresIn <= 0 || scope.PasswordExpiresIn <= 0 || scope.RefreshExpiresIn <= 0 {
		return ErrInvalidScopeDefinition("scope lifetimes must be positive")
	}
	return nil
}

// resolveScopeLifetime validates that every name in the space-separated
// scope string is registered, and returns the token lifetime in seconds for
// the grant type. With multiple scopes the longest configured lifetime wins.
func (s *Server) resolveScopeLifetime(ctx context.Context, scope, grantType string) (int64, error) {
	names := strings.Fields(scope)
	if len(names) == 0 {
		return 0, ErrMandatoryParamMissing("scope")
	}

	var lifetime int64
	for _, name := range names {
		def, err := s.store.GetScope(ctx, name)
		if err != nil {
			if errors.Is(err, storage.ErrScopeNotFound) {
				return 0, ErrInvalidScope(name)
			}
			return 0, err
		}

		var expiresIn int64
		switch grantType {
		case GrantTypeClientCredentials:
			expiresIn = def.CCExpiresIn
		case GrantTypeRefreshToken:
			expiresIn = def.RefreshExpiresIn
		default:
			// authorization_code and password share the password lifetime.
			expiresIn = def.PasswordExpiresIn
		}
		if expiresIn > lifetime {
			lifetime = expiresIn
		}
	}
	return lifetime, nil
}
