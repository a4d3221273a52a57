package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/apifest/oauth20/security"
	"github.com/apifest/oauth20/storage"
)

// IssueClientCredentials registers a client application and returns the
// persisted record, including the plaintext secret. This is the only time
// the secret is returned in full.
func (s *Server) IssueClientCredentials(ctx context.Context, appName, uri, descr string, clientType storage.ClientType) (*storage.ClientCredentials, error) {
	if appName == "" {
		return nil, ErrAppNameIsNull()
	}

	if clientType == "" {
		clientType = storage.ClientTypePublic
	}
	if !clientType.Valid() {
		return nil, ErrCannotRegisterApp()
	}

	clientID, err := s.generateClientID(ctx)
	if err != nil {
		return nil, err
	}

	client := &storage.ClientCredentials{
		ID:      clientID,
		Secret:  s.random.CharsDigitsString(ClientSecretLength),
		Name:    appName,
		URI:     uri,
		Descr:   descr,
		Type:    clientType,
		Status:  storage.ClientStatusActive,
		Created: time.Now(),
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to persist client registration: %w", err)
	}

	s.Logger.Info("Registered client application",
		"client_id", client.ID,
		"app_name", appName,
		"client_type", clientType)

	if m := s.metrics(); m != nil {
		m.RecordClientRegistration(ctx, string(clientType))
	}

	return client, nil
}

// generateClientID draws client identifiers until one does not collide with
// an existing registration. Collisions are retried invisibly; running out
// of attempts is a server failure, not a protocol error.
func (s *Server) generateClientID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		id := s.random.DigitsString(ClientIDLength)
		exists, err := s.store.ClientExists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to check client ID uniqueness: %w", err)
		}
		if !exists {
			return id, nil
		}
		s.Logger.Warn("Client ID collision, regenerating", "attempt", attempt+1)
	}
	return "", fmt.Errorf("exhausted %d attempts generating a unique client ID", maxGenerateAttempts)
}

// UpdateClientStatus activates or deactivates a client application.
// Deactivation is the deletion surrogate: inactive clients fail all grants.
func (s *Server) UpdateClientStatus(ctx context.Context, clientID string, status storage.ClientStatus) error {
	if clientID == "" {
		return ErrMandatoryParamMissing("client_id")
	}
	if !status.Valid() {
		return ErrInvalidClientStatus()
	}

	err := s.store.UpdateClientStatus(ctx, clientID, status)
	if err != nil {
		return asProtocolError(err, ErrInvalidClientID())
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventClientStatusChanged,
		ClientID: clientID,
		Details:  map[string]any{"status": string(status)},
	})

	s.Logger.Info("Updated client status", "client_id", clientID, "status", status)
	return nil
}

// GetClient returns a client registration by ID.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.ClientCredentials, error) {
	if clientID == "" {
		return nil, ErrMandatoryParamMissing("client_id")
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, asProtocolError(err, ErrInvalidClientID())
	}
	return client, nil
}

// AuthenticateClient authenticates a client for endpoints outside the grant
// machine, such as token revocation.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.ClientCredentials, error) {
	return s.authenticateClient(ctx, clientID, clientSecret)
}

// lookupActiveClient resolves a client by ID and rejects inactive ones. It
// does not demand a secret; the authorize step only identifies the client,
// and secret verification happens at token exchange.
func (s *Server) lookupActiveClient(ctx context.Context, clientID string) (*storage.ClientCredentials, error) {
	if clientID == "" {
		return nil, ErrMandatoryParamMissing("client_id")
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, asProtocolError(err, ErrInvalidClientID())
	}

	if !client.Active() {
		return nil, ErrInvalidClientID()
	}

	return client, nil
}

// authenticateClient resolves and authenticates a client for a grant
// request. The client must exist, be active, and (for confidential clients
// or whenever a secret is presented) the secret must match.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.ClientCredentials, error) {
	client, err := s.lookupActiveClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if client.Type == storage.ClientTypeConfidential || clientSecret != "" {
		if clientSecret == "" {
			return nil, ErrMandatoryParamMissing("client_secret")
		}
		if subtle.ConstantTimeCompare([]byte(client.Secret), []byte(clientSecret)) != 1 {
			return nil, ErrInvalidClientSecret()
		}
	}

	return client, nil
}
