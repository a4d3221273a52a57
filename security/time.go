package security

import "time"

// IsExpired reports whether a deadline has passed. A zero deadline means
// the credential never expires. Expiry is exact: tokens must never validate
// past their deadline, so no clock skew grace is applied on the hot path.
func IsExpired(validUntil time.Time) bool {
	if validUntil.IsZero() {
		return false
	}
	return time.Now().After(validUntil)
}
