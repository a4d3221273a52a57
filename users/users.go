// Package users defines the resource-owner credential verification used by
// the password grant. The authorization server itself stores no user
// accounts; deployments plug in a Verifier backed by their own directory.
package users

import (
	"context"
	"errors"
)

// ErrInvalidCredentials indicates the username/password pair did not verify.
// Verifiers must return it (possibly wrapped) for any authentication failure
// so callers cannot distinguish unknown users from wrong passwords.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Verifier authenticates resource-owner credentials for the password grant.
type Verifier interface {
	// VerifyCredentials checks a username/password pair. On success it
	// returns the user's identifier; on failure ErrInvalidCredentials.
	VerifyCredentials(ctx context.Context, username, password string) (string, error)
}
