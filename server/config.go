package server

import (
	"log/slog"
	"time"
)

// Credential lengths. Fixed by the wire contract; clients and resource
// servers may validate against them.
const (
	// ClientIDLength is the length of generated client identifiers, drawn
	// from the decimal alphabet.
	ClientIDLength = 15

	// ClientSecretLength is the length of generated client secrets, drawn
	// from the alphanumeric alphabet.
	ClientSecretLength = 32

	// AccessTokenLength is the length of access and refresh tokens, drawn
	// from the alphanumeric alphabet.
	AccessTokenLength = 64

	// AuthCodeLength is the length of authorization codes, drawn from the
	// alphanumeric alphabet.
	AuthCodeLength = 32

	// maxGenerateAttempts bounds the collision-retry loop for generated
	// identifiers. Exceeding it indicates either broken randomness or an
	// exhausted keyspace, both of which are server failures.
	maxGenerateAttempts = 10
)

// DefaultAuthCodeLifetime is how long an issued authorization code may be
// exchanged.
const DefaultAuthCodeLifetime = 10 * time.Minute

// Config holds the grant engine configuration.
type Config struct {
	// AuthCodeLifetime is the validity window for issued authorization
	// codes. Default 10 minutes.
	AuthCodeLifetime time.Duration
}

// applyDefaults fills unset configuration fields, logging when a default is
// substituted.
func applyDefaults(cfg *Config, logger *slog.Logger) *Config {
	out := *cfg

	if out.AuthCodeLifetime <= 0 {
		out.AuthCodeLifetime = DefaultAuthCodeLifetime
	} else if out.AuthCodeLifetime > time.Hour {
		logger.Warn("Authorization code lifetime is unusually long",
			"lifetime", out.AuthCodeLifetime)
	}

	return &out
}
