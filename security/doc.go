// Package security provides the security primitives used by the oauth20
// library: cryptographically strong credential generation, expiry checks,
// security audit logging, and rate limiting.
package security
