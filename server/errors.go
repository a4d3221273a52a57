package server

import (
	"fmt"
	"net/http"
)

// Machine-stable error message keys. Clients branch on these, so they never
// change once published.
const (
	ErrorKeyAppNameIsNull           = "APPNAME_IS_NULL"
	ErrorKeyCannotRegisterApp       = "CANNOT_REGISTER_APP"
	ErrorKeyInvalidClientID         = "INVALID_CLIENT_ID"
	ErrorKeyInvalidClientSecret     = "INVALID_CLIENT_SECRET"
	ErrorKeyMandatoryParamMissing   = "MANDATORY_PARAM_MISSING"
	ErrorKeyUnsupportedGrantType    = "UNSUPPORTED_GRANT_TYPE"
	ErrorKeyUnsupportedResponseType = "UNSUPPORTED_RESPONSE_TYPE"
	ErrorKeyInvalidAuthCode         = "INVALID_AUTH_CODE"
	ErrorKeyInvalidRedirectURI      = "INVALID_REDIRECT_URI"
	ErrorKeyInvalidScope            = "INVALID_SCOPE"
	ErrorKeyInvalidRefreshToken     = "INVALID_REFRESH_TOKEN"
	ErrorKeyInvalidUsernamePassword = "INVALID_USERNAME_PASSWORD"
	ErrorKeyUnauthorizedClient      = "UNAUTHORIZED_CLIENT"
	ErrorKeyTokenNotFound           = "TOKEN_NOT_FOUND"
	ErrorKeyTokenExpired            = "TOKEN_EXPIRED"
	ErrorKeyScopeAlreadyExists      = "SCOPE_ALREADY_EXISTS"
	ErrorKeyScopeNotExist           = "SCOPE_NOT_EXIST"
	ErrorKeyInvalidScopeDefinition  = "INVALID_SCOPE_DEFINITION"
	ErrorKeyInvalidClientStatus     = "INVALID_CLIENT_STATUS"
)

// OAuthError is a protocol-level failure carrying a machine-stable message
// key and the HTTP status chosen at the raise site. It is the only error
// type the server returns for protocol violations; anything else reaching
// the transport layer is a storage or internal failure and renders as a
// generic server error.
type OAuthError struct {
	Key         string // stable message key, e.g. "INVALID_CLIENT_ID"
	Description string // human-readable description
	Status      int    // HTTP status code
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Description)
}

// NewOAuthError creates a new protocol error.
func NewOAuthError(key, description string, status int) *OAuthError {
	return &OAuthError{
		Key:         key,
		Description: description,
		Status:      status,
	}
}

// Constructors for the protocol errors the grant machine raises. Validation
// failures are 400, authentication failures 401, missing tokens 404.
var (
	ErrAppNameIsNull = func() *OAuthError {
		return NewOAuthError(ErrorKeyAppNameIsNull, "app_name is mandatory", http.StatusBadRequest)
	}

	ErrCannotRegisterApp = func() *OAuthError {
		return NewOAuthError(ErrorKeyCannotRegisterApp, "cannot register client application", http.StatusBadRequest)
	}

	ErrInvalidClientID = func() *OAuthError {
		return NewOAuthError(ErrorKeyInvalidClientID, "invalid client_id", http.StatusUnauthorized)
	}

	ErrInvalidClientSecret = func() *OAuthError {
		return NewOAuthError(ErrorKeyInvalidClientSecret, "invalid client_secret", http.StatusUnauthorized)
	}

	ErrMandatoryParamMissing = func(param string) *OAuthError {
		return NewOAuthError(ErrorKeyMandatoryParamMissing, fmt.Sprintf("mandatory parameter %s is missing", param), http.StatusBadRequest)
	}

	ErrUnsupportedGrantType = func(grantType string) *OAuthError {
		return NewOAuthError(ErrorKeyUnsupportedGrantType, fmt.Sprintf("unsupported grant_type %q", grantType), http.StatusBadRequest)
	}

	ErrUnsupportedResponseType = func(responseType string) *OAuthError {
		return NewOAuthError(ErrorKeyUnsupportedResponseType, fmt.Sprintf("unsupported response_type %q", responseType), http.StatusBadRequest)
	}

	ErrInvalidAuthCode = func() *OAuthError {
		return NewOAuthError(ErrorKeyInvalidAuthCode, "invalid or expired authorization code", http.StatusBadRequest)
	}

	ErrInvalidRedirectURI = func() *OAuthError {
		return NewOAuthError(ErrorKeyInvalidRedirectURI, "invalid redirect_uri", http.StatusBadRequest)
	}

	ErrInvalidScope = func(scope string) *OAuthError {
		return NewOAuthError(ErrorKeyInvalidScope, fmt.Sprintf("scope %q is not registered", scope), http.StatusBadRequest)
	}

	ErrInvalidRefreshToken = func() *OAuthError {
		return NewOAuthError(ErrorKeyInvalidRefreshToken, "invalid or expired refresh_token", http.StatusBadRequest)
	}

	ErrInvalidUsernamePassword = func() *OAuthError {
		return NewOAuthError(ErrorKeyInvalidUsernamePassword, "invalid username or password", http.StatusUnauthorized)
	}

	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorKeyUnauthorizedClient, desc, http.StatusBadRequest)
	}

	ErrTokenNotFound = func() *OAuthError {
		return NewOAuthError(ErrorKeyTokenNotFound, "access token not found", http.StatusNotFound)
	}

	ErrTokenExpired = func() *OAuthError {
		return NewOAuthError(ErrorKeyTokenExpired, "access token is expired or revoked", http.StatusUnauthorized)
	}

	ErrScopeAlreadyExists = func(scope string) *OAuthError {
		return NewOAuthError(ErrorKeyScopeAlreadyExists, fmt.Sprintf("scope %q already exists", scope), http.StatusBadRequest)
	}

	ErrScopeNotExist = func(scope string) *OAuthError {
		return NewOAuthError(ErrorKeyScopeNotExist, fmt.Sprintf("scope %q does not exist", scope), http.StatusNotFound)
	}

	ErrInvalidScopeDefinition = func(desc string) *OAuthError {
		return NewOAuthError(ErrorKeyInvalidScopeDefinition, desc, http.StatusBadRequest)
	}

	ErrInvalidClientStatus = func() *OAuthError {
		return NewOAuthError(ErrorKeyInvalidClientStatus, "client status must be active or inactive", http.StatusBadRequest)
	}
)
