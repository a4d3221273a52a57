// Package oauth20 is an OAuth 2.0 authorization server. It issues client
// credentials, authorization codes, and bearer tokens over the
// authorization_code, client_credentials, password, and refresh_token
// grants, and exposes validation and revocation endpoints for resource
// servers and clients.
//
// The package is a thin HTTP adapter: protocol decisions live in the server
// package and persistence behind the storage interfaces.
package oauth20

import "github.com/apifest/oauth20/server"

// OAuthError is the protocol error type rendered on the wire as
// {"error": key, "error_description": description}.
type OAuthError = server.OAuthError

// TokenResponse is the token endpoint success body, RFC 6749 section 5.1.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// AuthCodeResponse is the authorize endpoint body. RedirectURI carries the
// code and state appended as query parameters, ready for the consumer to
// redirect to.
type AuthCodeResponse struct {
	Code        string `json:"code"`
	State       string `json:"state,omitempty"`
	RedirectURI string `json:"redirect_uri"`
}

// ClientRegistrationResponse is returned once, at registration time. The
// secret is never shown again.
type ClientRegistrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Name         string `json:"name"`
	URI          string `json:"uri,omitempty"`
	Description  string `json:"description,omitempty"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	Created      int64  `json:"created"`
}

// TokenValidationResponse describes a live token to a resource server.
// ValidUntil is unix seconds; zero means the token never expires.
type TokenValidationResponse struct {
	Valid      bool   `json:"valid"`
	ClientID   string `json:"client_id"`
	UserID     string `json:"user_id,omitempty"`
	Scope      string `json:"scope"`
	GrantType  string `json:"grant_type"`
	ValidUntil int64  `json:"valid_until"`
}

// RevocationResponse reports whether this call revoked the token. The value
// is a string for compatibility with existing consumers of the wire format.
type RevocationResponse struct {
	Revoked string `json:"revoked"`
}

// ScopePayload is the JSON shape of a scope definition on the management
// endpoints.
type ScopePayload struct {
	Scope            string `json:"scope"`
	Description      string `json:"description"`
	CCExpiresIn      int64  `json:"cc_expires_in"`
	PassExpiresIn    int64  `json:"pass_expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// StatusUpdateResponse acknowledges a client status change.
type StatusUpdateResponse struct {
	ClientID string `json:"client_id"`
	Status   string `json:"status"`
}
