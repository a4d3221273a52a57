package valkey

import (
	"context"
	"fmt"

	"github.com/apifest/oauth20/storage"
)

// ============================================================
// ClientStore implementation
// ============================================================

// SaveClient persists a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.ClientCredentials) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	if err := s.setRecord(ctx, s.clientKey(client.ID), client.ToRecord(), 0); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ID, "client_type", client.Type)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.ClientCredentials, error) {
	rec, err := s.getRecord(ctx, s.clientKey(clientID))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return storage.ClientFromRecord(rec)
}

// ClientExists reports whether a registration exists for the ID.
func (s *Store) ClientExists(ctx context.Context, clientID string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.clientKey(clientID)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check client existence: %w", err)
	}
	return n > 0, nil
}

// UpdateClientStatus sets a client's status. The read-modify-write is not
// atomic; status updates are an administrative operation and last write wins.
func (s *Store) UpdateClientStatus(ctx context.Context, clientID string, status storage.ClientStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid client status %q", status)
	}

	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	client.Status = status
	if err := s.setRecord(ctx, s.clientKey(clientID), client.ToRecord(), 0); err != nil {
		return fmt.Errorf("failed to update client status: %w", err)
	}

	s.logger.Debug("Updated client status", "client_id", clientID, "status", status)
	return nil
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.ClientCredentials, error) {
	keys, err := s.scanKeys(ctx, s.prefix+"client:*")
	if err != nil {
		return nil, err
	}

	clients := make([]*storage.ClientCredentials, 0, len(keys))
	for _, key := range keys {
		rec, err := s.getRecord(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue // expired or deleted between SCAN and GET
		}
		client, err := storage.ClientFromRecord(rec)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// ============================================================
// ScopeStore implementation
// ============================================================

// SaveScope persists a scope definition. The existence check and write use
// SET NX so duplicate registrations lose cleanly.
func (s *Store) SaveScope(ctx context.Context, scope *storage.Scope) error {
	if scope == nil || scope.Name == "" {
		return fmt.Errorf("scope name cannot be empty")
	}

	data, err := marshalRecord(scope.ToRecord())
	if err != nil {
		return err
	}

	// SET NX replies nil when the key already exists.
	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.scopeKey(scope.Name)).Value(data).Nx().Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: %s", storage.ErrScopeExists, scope.Name)
		}
		return fmt.Errorf("failed to save scope: %w", err)
	}

	s.logger.Debug("Saved scope", "scope", scope.Name)
	return nil
}

// UpdateScope replaces an existing scope definition.
func (s *Store) UpdateScope(ctx context.Context, scope *storage.Scope) error {
	if scope == nil || scope.Name == "" {
		return fmt.Errorf("scope name cannot be empty")
	}

	data, err := marshalRecord(scope.ToRecord())
	if err != nil {
		return err
	}

	// SET XX replies nil when no existing key was found to replace.
	err = s.client.Do(ctx,
		s.client.B().Set().Key(s.scopeKey(scope.Name)).Value(data).Xx().Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: %s", storage.ErrScopeNotFound, scope.Name)
		}
		return fmt.Errorf("failed to update scope: %w", err)
	}
	return nil
}

// GetScope retrieves a scope definition by name.
func (s *Store) GetScope(ctx context.Context, name string) (*storage.Scope, error) {
	rec, err := s.getRecord(ctx, s.scopeKey(name))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrScopeNotFound, name)
	}
	return storage.ScopeFromRecord(rec)
}

// ListScopes lists all registered scope definitions.
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	keys, err := s.scanKeys(ctx, s.prefix+"scope:*")
	if err != nil {
		return nil, err
	}

	scopes := make([]*storage.Scope, 0, len(keys))
	for _, key := range keys {
		rec, err := s.getRecord(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		scope, err := storage.ScopeFromRecord(rec)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}
