package oauth20

// Rate limit defaults. The general limit covers the token and validation
// endpoints; registration is kept far tighter because each registration
// writes a durable record.
const (
	DefaultRateLimitRequestsPerSecond = 10
	DefaultRateLimitBurst             = 20

	DefaultRegistrationRequestsPerSecond = 1
	DefaultRegistrationBurst             = 5
)

// RateLimitConfig configures a per-IP token bucket limiter.
type RateLimitConfig struct {
	// Enabled turns the limiter on. Disabled limiters admit everything.
	Enabled bool

	// RequestsPerSecond is the sustained refill rate per IP.
	RequestsPerSecond int

	// Burst is the bucket size per IP.
	Burst int
}

// Config holds the HTTP adapter configuration.
type Config struct {
	// Issuer is the external base URL of this server, used for the
	// Strict-Transport-Security decision on responses.
	Issuer string

	// TrustProxy enables X-Forwarded-For and X-Real-IP parsing for client
	// IP extraction. Only set behind a proxy you control.
	TrustProxy bool

	// TrustedProxyCount is how many proxies in front of the server are
	// trusted when parsing X-Forwarded-For. Zero means one.
	TrustedProxyCount int

	// RateLimit is the per-IP limit applied to every endpoint except
	// client registration.
	RateLimit RateLimitConfig

	// RegistrationRateLimit is the per-IP limit on client registration.
	RegistrationRateLimit RateLimitConfig
}

// applyDefaults fills unset rate limit fields. Limiters stay opt-in; only
// their rates get defaults.
func (c *Config) applyDefaults() {
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = DefaultRateLimitRequestsPerSecond
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.RegistrationRateLimit.RequestsPerSecond <= 0 {
		c.RegistrationRateLimit.RequestsPerSecond = DefaultRegistrationRequestsPerSecond
	}
	if c.RegistrationRateLimit.Burst <= 0 {
		c.RegistrationRateLimit.Burst = DefaultRegistrationBurst
	}
}
