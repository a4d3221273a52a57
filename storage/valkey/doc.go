// Package valkey provides a Valkey-backed implementation of all storage
// interfaces, suitable for multi-instance deployments where token and code
// state must be shared.
//
// Records are stored as JSON with per-key TTLs. The consume and revoke
// operations run as Lua scripts so their check-and-write is atomic on the
// server: concurrent code exchanges, revocations, and refresh rotations
// observe exactly one winner, matching the in-memory backend's guarantees.
package valkey
