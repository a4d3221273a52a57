// Package server implements the authorization server's grant state machine:
// client registration, authorization code issuance, the four token grants,
// token validation, and revocation. Transport and persistence are
// collaborators; the server holds no durable state of its own.
package server

import (
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/apifest/oauth20/instrumentation"
	"github.com/apifest/oauth20/security"
	"github.com/apifest/oauth20/storage"
	"github.com/apifest/oauth20/users"
)

// Server coordinates the OAuth 2.0 grant flows against a storage backend.
// Every decision re-reads current store state; nothing is cached across
// requests.
type Server struct {
	store    storage.Store
	random   security.RandomSource
	verifier users.Verifier

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates a new authorization server. The store is required; the
// verifier may be nil, in which case the password grant is rejected.
func New(store storage.Store, random security.RandomSource, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if random == nil {
		random = security.CryptoRandom{}
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	return &Server{
		store:  store,
		random: random,
		Config: config,
		Logger: logger,
	}, nil
}

// SetVerifier sets the resource-owner credential verifier for the password
// grant.
func (s *Server) SetVerifier(v users.Verifier) {
	s.verifier = v
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server and
// propagates it to the store when the backend supports it.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := s.store.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
}

// metrics returns the metrics holder, or nil when instrumentation is unset.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// asProtocolError passes through protocol errors and maps known storage
// sentinels onto them. Anything else is returned as-is: storage failures
// stay a distinct fatal category and must not masquerade as client faults.
func asProtocolError(err error, onStorageSentinel *OAuthError) error {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	if onStorageSentinel != nil && isStorageSentinel(err) {
		return onStorageSentinel
	}
	return err
}

func isStorageSentinel(err error) bool {
	return errors.Is(err, storage.ErrClientNotFound) ||
		errors.Is(err, storage.ErrScopeNotFound) ||
		errors.Is(err, storage.ErrTokenNotFound) ||
		errors.Is(err, storage.ErrAuthCodeNotFound) ||
		errors.Is(err, storage.ErrAuthCodeConsumed) ||
		errors.Is(err, storage.ErrExpired)
}
