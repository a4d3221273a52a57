// Package storage defines the persistence interfaces and entities for the
// authorization server: client registrations, scope definitions,
// authorization codes, and access tokens.
//
// Implementations must make the consume and revoke operations atomic so that
// concurrent callers observe exactly one winner. See the memory and valkey
// subpackages for the bundled backends.
package storage
