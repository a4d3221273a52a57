package storage

import (
	"time"

	"github.com/apifest/oauth20/security"
)

// ClientType distinguishes public from confidential client applications.
type ClientType string

// ClientStatus reflects whether a client may obtain new tokens.
type ClientStatus string

const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"

	ClientStatusActive   ClientStatus = "active"
	ClientStatusInactive ClientStatus = "inactive"
)

// Valid reports whether the client type is one of the known values.
func (t ClientType) Valid() bool {
	return t == ClientTypePublic || t == ClientTypeConfidential
}

// Valid reports whether the client status is one of the known values.
func (s ClientStatus) Valid() bool {
	return s == ClientStatusActive || s == ClientStatusInactive
}

// ClientCredentials is a registered client application.
type ClientCredentials struct {
	ID      string
	Secret  string
	Name    string
	URI     string
	Descr   string
	Type    ClientType
	Status  ClientStatus
	Created time.Time
}

// Active reports whether the client may obtain new tokens.
func (c *ClientCredentials) Active() bool {
	return c.Status == ClientStatusActive
}

// Scope defines a named permission along with the token lifetimes, in
// seconds, that apply when a token is issued under it.
type Scope struct {
	Name              string
	Descr             string
	CCExpiresIn       int64
	PasswordExpiresIn int64
	RefreshExpiresIn  int64
}

// AuthorizationCode is a single-use credential issued by the code grant and
// later exchanged for an access token.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	RedirectURI string
	State       string
	Scope       string
	Type        string // response_type that produced the code
	Valid       bool
	Created     time.Time
	ExpiresIn   int64 // seconds
}

// ValidUntil returns the instant after which the code may not be exchanged.
func (c *AuthorizationCode) ValidUntil() time.Time {
	return c.Created.Add(time.Duration(c.ExpiresIn) * time.Second)
}

// AccessToken is an issued token record. Type holds the grant type that
// produced the token. RefreshToken is empty for the client_credentials grant.
type AccessToken struct {
	Token        string
	RefreshToken string
	ClientID     string
	UserID       string
	Scope        string
	Type         string
	Valid        bool
	Created      time.Time
	ExpiresIn    int64 // seconds; 0 means no expiry
}

// ValidUntil returns the instant after which the token may not be used.
// The zero time means the token never expires.
func (t *AccessToken) ValidUntil() time.Time {
	if t.ExpiresIn == 0 {
		return time.Time{}
	}
	return t.Created.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Expired reports whether the token's lifetime has elapsed.
func (t *AccessToken) Expired() bool {
	return security.IsExpired(t.ValidUntil())
}

// Expired reports whether the code's exchange window has closed.
func (c *AuthorizationCode) Expired() bool {
	return security.IsExpired(c.ValidUntil())
}
