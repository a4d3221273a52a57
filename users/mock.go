package users

import "context"

// Mock is a configurable Verifier for tests.
type Mock struct {
	// VerifyFunc overrides VerifyCredentials when set.
	VerifyFunc func(ctx context.Context, username, password string) (string, error)

	// Calls records the usernames verified, in order.
	Calls []string
}

var _ Verifier = (*Mock)(nil)

// VerifyCredentials invokes VerifyFunc, or fails with ErrInvalidCredentials
// when none is set.
func (m *Mock) VerifyCredentials(ctx context.Context, username, password string) (string, error) {
	m.Calls = append(m.Calls, username)
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, username, password)
	}
	return "", ErrInvalidCredentials
}
