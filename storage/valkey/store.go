package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/apifest/oauth20/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "oauth20:"

	// DefaultRefreshRetention is how long a token record with a refresh token
	// survives past its access expiry, so the refresh grant can still rotate
	// it.
	DefaultRefreshRetention = 30 * 24 * time.Hour

	// tokenIDLogLength is the number of characters to include when logging
	// token strings.
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration.
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection
	// verification.
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for Valkey authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth20:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger

	// RefreshRetention bounds how long refreshable token records are kept
	// past their access expiry. Default 30 days.
	RefreshRetention time.Duration
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client           valkeygo.Client
	prefix           string
	logger           *slog.Logger
	refreshRetention time.Duration
}

// Compile-time interface checks.
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.ScopeStore  = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance. Returns an error if the
// connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.RefreshRetention
	if retention <= 0 {
		retention = DefaultRefreshRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:           client,
		prefix:           prefix,
		logger:           logger,
		refreshRetention: retention,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ============================================================
// Keys
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) scopeKey(name string) string {
	return s.prefix + "scope:" + name
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) tokenKey(token string) string {
	return s.prefix + "token:" + token
}

// refreshKey maps a refresh token to its access token string.
func (s *Store) refreshKey(refreshToken string) string {
	return s.prefix + "refresh:" + refreshToken
}

// ============================================================
// Helpers
// ============================================================

// isNilError checks if the error indicates a nil/not-found result.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// getRecord fetches and decodes a JSON record from the given key.
func (s *Store) getRecord(ctx context.Context, key string) (storage.Record, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	var rec storage.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrMalformedRecord, err)
	}
	return rec, nil
}

// marshalRecord encodes a record as JSON.
func marshalRecord(rec storage.Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	return string(data), nil
}

// setRecord encodes and stores a JSON record, optionally with a TTL.
func (s *Store) setRecord(ctx context.Context, key string, rec storage.Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if ttl > 0 {
		err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error()
	} else {
		err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// scanKeys iterates all keys matching the pattern.
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		resp := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// ============================================================
// Lua scripts for atomic operations
// ============================================================
//
// These scripts run server-side so their check-and-write cannot interleave
// with concurrent commands. This is what makes code consumption, revocation,
// and refresh rotation race-free across server instances.

// luaConsumeAuthCode atomically validates and consumes an authorization code.
//
// KEYS[1] = code key
// ARGV[1] = current unix time in milliseconds
// ARGV[2] = expected redirect URI
//
// Returns the original JSON on success, or one of "NOT_FOUND", "EXPIRED",
// "ALREADY_USED", "URI_MISMATCH".
const luaConsumeAuthCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.created) + tonumber(code.expires_in) * 1000
if now > expiresAt then
    return 'EXPIRED'
end

if not code.valid then
    return 'ALREADY_USED'
end

local uri = code.redirect_uri
if uri == nil then
    uri = ''
end
if uri ~= ARGV[2] then
    return 'URI_MISMATCH'
end

code.valid = false
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaRevokeToken atomically marks a token invalid if it is currently valid.
//
// KEYS[1] = token key
//
// Returns "REVOKED" when this call performed the transition,
// "ALREADY_INVALID" when the token was revoked before, "NOT_FOUND" when no
// record exists.
const luaRevokeToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)
if not token.valid then
    return 'ALREADY_INVALID'
end

token.valid = false
redis.call('SET', KEYS[1], cjson.encode(token), 'KEEPTTL')

return 'REVOKED'
`

// luaConsumeRefreshToken atomically resolves a refresh token, invalidates the
// access token owning it, and removes the refresh mapping.
//
// KEYS[1] = refresh key (value is the access token string)
// ARGV[1] = token key prefix
// ARGV[2] = expected client ID
//
// Returns the owning token's original JSON on success, "NOT_FOUND" otherwise.
const luaConsumeRefreshToken = `
local accessToken = redis.call('GET', KEYS[1])
if not accessToken then
    return 'NOT_FOUND'
end

local tokenKey = ARGV[1] .. accessToken
local data = redis.call('GET', tokenKey)
if not data then
    redis.call('DEL', KEYS[1])
    return 'NOT_FOUND'
end

local token = cjson.decode(data)
if token.client_id ~= ARGV[2] or not token.valid then
    return 'NOT_FOUND'
end

token.valid = false
redis.call('SET', tokenKey, cjson.encode(token), 'KEEPTTL')
redis.call('DEL', KEYS[1])

return data
`
