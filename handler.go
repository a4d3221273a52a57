package oauth20

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/apifest/oauth20/instrumentation"
	"github.com/apifest/oauth20/security"
	"github.com/apifest/oauth20/server"
	"github.com/apifest/oauth20/storage"
)

const errorKeyRateLimited = "TOO_MANY_REQUESTS"

// clientRegistrationRequest is the JSON body of a registration call.
type clientRegistrationRequest struct {
	Name        string `json:"name"`
	RedirectURI string `json:"redirect_uri"`
	Description string `json:"description"`
	ClientType  string `json:"client_type"`
}

// statusUpdateRequest is the JSON body of a client status change.
type statusUpdateRequest struct {
	ClientID string `json:"client_id"`
	Status   string `json:"status"`
}

// Handler is the HTTP adapter over the grant engine. It parses requests,
// enforces per-IP rate limits, and renders protocol errors; every OAuth
// decision is delegated to the server.
type Handler struct {
	server *server.Server
	config *Config
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	ipLimiter           *security.RateLimiter
	registrationLimiter *security.RateLimiter
}

// NewHandler creates the HTTP adapter. Rate limiters spin up according to
// the config; Close releases them.
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) *Handler {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
	}

	if config.RateLimit.Enabled {
		h.ipLimiter = security.NewRateLimiter(config.RateLimit.RequestsPerSecond, config.RateLimit.Burst, logger)
	}
	if config.RegistrationRateLimit.Enabled {
		h.registrationLimiter = security.NewRateLimiter(config.RegistrationRateLimit.RequestsPerSecond, config.RegistrationRateLimit.Burst, logger)
	}

	return h
}

// SetInstrumentation sets OpenTelemetry instrumentation on the adapter and
// propagates it to the grant engine.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instrumentation = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
	h.server.SetInstrumentation(inst)
}

// Close stops the rate limiter housekeeping goroutines.
func (h *Handler) Close() {
	if h.ipLimiter != nil {
		h.ipLimiter.Stop()
	}
	if h.registrationLimiter != nil {
		h.registrationLimiter.Stop()
	}
}

// Routes returns a mux with every endpoint registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth20/register", h.ServeClientRegistration)
	mux.HandleFunc("GET /oauth20/authorize", h.ServeAuthorize)
	mux.HandleFunc("POST /oauth20/authorize", h.ServeAuthorize)
	mux.HandleFunc("POST /oauth20/tokens", h.ServeToken)
	mux.HandleFunc("GET /oauth20/tokens/validate", h.ServeTokenValidation)
	mux.HandleFunc("POST /oauth20/tokens/revoke", h.ServeTokenRevocation)
	mux.HandleFunc("GET /oauth20/scopes", h.ServeScopeList)
	mux.HandleFunc("POST /oauth20/scopes", h.ServeScopeRegistration)
	mux.HandleFunc("PUT /oauth20/scopes", h.ServeScopeUpdate)
	mux.HandleFunc("PUT /oauth20/clients/status", h.ServeClientStatus)
	return mux
}

// ServeClientRegistration handles client application registration.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.client_registration")
	if span != nil {
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, ctx, h.registrationLimiter, "registration", clientIP) {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	var req clientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, server.ErrMandatoryParamMissing("name"))
		return
	}

	client, err := h.server.IssueClientCredentials(ctx, req.Name, req.RedirectURI, req.Description, storage.ClientType(req.ClientType))
	if err != nil {
		h.recordHTTPMetrics("register", http.MethodPost, errorStatus(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	if h.server.Auditor != nil {
		h.server.Auditor.LogClientRegistered(client.ID, string(client.Type), clientIP)
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ID))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("register", http.MethodPost, http.StatusOK, startTime)

	h.writeJSON(w, http.StatusOK, ClientRegistrationResponse{
		ClientID:     client.ID,
		ClientSecret: client.Secret,
		Name:         client.Name,
		URI:          client.URI,
		Description:  client.Descr,
		Type:         string(client.Type),
		Status:       string(client.Status),
		Created:      client.Created.UnixMilli(),
	})
}

// ServeAuthorize issues an authorization code. The consumer-facing frontend
// authenticates the resource owner; this endpoint trusts its caller and
// returns the code as JSON together with the assembled redirect URI.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.authorize")
	if span != nil {
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, ctx, h.ipLimiter, "ip", clientIP) {
		h.recordHTTPMetrics("authorize", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	state := r.FormValue("state")
	scope := r.FormValue("scope")
	responseType := r.FormValue("response_type")

	code, err := h.server.IssueAuthorizationCode(ctx, clientID, redirectURI, state, scope, responseType)
	if err != nil {
		h.recordHTTPMetrics("authorize", r.Method, errorStatus(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, clientID))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("authorize", r.Method, http.StatusOK, startTime)

	h.writeJSON(w, http.StatusOK, AuthCodeResponse{
		Code:        code.Code,
		State:       code.State,
		RedirectURI: buildRedirectURL(code.RedirectURI, code.Code, code.State),
	})
}

// ServeToken handles the token endpoint for all four grant types. Client
// credentials in the Authorization header take precedence over form values.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.token")
	if span != nil {
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, ctx, h.ipLimiter, "ip", clientIP) {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, server.ErrMandatoryParamMissing("grant_type"))
		return
	}

	req := &server.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		Scope:        r.PostFormValue("scope"),
	}
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		req.ClientID = basicID
		req.ClientSecret = basicSecret
	}

	token, err := h.server.IssueAccessToken(ctx, req)
	if err != nil {
		h.logger.Warn("Token request failed",
			"grant_type", req.GrantType,
			"client_id", req.ClientID,
			"ip", clientIP,
			"error", err)
		if h.server.Auditor != nil && isAuthFailure(err) {
			h.server.Auditor.LogAuthFailure("", req.ClientID, clientIP, "token_request_rejected")
		}
		h.recordHTTPMetrics("token", http.MethodPost, errorStatus(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, token.ClientID),
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
	)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)

	h.writeTokenResponse(w, token)
}

// ServeTokenValidation resolves a bearer token for a resource server. The
// token arrives in the Authorization header or the token query parameter.
func (h *Handler) ServeTokenValidation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.token_validation")
	if span != nil {
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, ctx, h.ipLimiter, "ip", clientIP) {
		h.recordHTTPMetrics("validate", http.MethodGet, http.StatusTooManyRequests, startTime)
		return
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	tc, err := h.server.ValidateAccessToken(ctx, token)
	if err != nil {
		h.recordHTTPMetrics("validate", http.MethodGet, errorStatus(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, tc.ClientID))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("validate", http.MethodGet, http.StatusOK, startTime)

	var validUntil int64
	if !tc.ValidUntil.IsZero() {
		validUntil = tc.ValidUntil.Unix()
	}
	h.writeJSON(w, http.StatusOK, TokenValidationResponse{
		Valid:      true,
		ClientID:   tc.ClientID,
		UserID:     tc.UserID,
		Scope:      tc.Scope,
		GrantType:  tc.GrantType,
		ValidUntil: validUntil,
	})
}

// ServeTokenRevocation revokes a token on behalf of its owning client. The
// caller must authenticate; the response reports whether this call revoked
// anything, never failing for an unknown or already-dead token.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.token_revocation")
	if span != nil {
		defer span.End()
	}

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, ctx, h.ipLimiter, "ip", clientIP) {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeError(w, server.ErrMandatoryParamMissing("token"))
		return
	}

	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID = basicID
		clientSecret = basicSecret
	}

	client, err := h.server.AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		if h.server.Auditor != nil {
			h.server.Auditor.LogAuthFailure("", clientID, clientIP, "revocation_auth_failed")
		}
		h.recordHTTPMetrics("revoke", http.MethodPost, errorStatus(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	revoked, err := h.server.RevokeToken(ctx, r.PostFormValue("token"), client.ID)
	if err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, errorStatus(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ID))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)

	h.writeJSON(w, http.StatusOK, RevocationResponse{Revoked: boolString(revoked)})
}

// ServeScopeRegistration registers a new scope definition.
func (h *Handler) ServeScopeRegistration(w http.ResponseWriter, r *http.Request) {
	h.serveScopeWrite(w, r, h.server.RegisterScope)
}

// ServeScopeUpdate replaces an existing scope definition.
func (h *Handler) ServeScopeUpdate(w http.ResponseWriter, r *http.Request) {
	h.serveScopeWrite(w, r, h.server.UpdateScopeDefinition)
}

func (h *Handler) serveScopeWrite(w http.ResponseWriter, r *http.Request, op func(context.Context, *storage.Scope) error) {
	startTime := time.Now()
	ctx := r.Context()

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, ctx, h.ipLimiter, "ip", clientIP) {
		h.recordHTTPMetrics("scopes", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	var payload ScopePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.recordHTTPMetrics("scopes", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, server.ErrInvalidScopeDefinition("invalid JSON body"))
		return
	}

	err := op(ctx, &storage.Scope{
		Name:              payload.Scope,
		Descr:             payload.Description,
		CCExpiresIn:       payload.CCExpiresIn,
		PasswordExpiresIn: payload.PassExpiresIn,
		RefreshExpiresIn:  payload.RefreshExpiresIn,
	})
	if err != nil {
		h.recordHTTPMetrics("scopes", r.Method, errorStatus(err), startTime)
		h.writeError(w, err)
		return
	}

	h.recordHTTPMetrics("scopes", r.Method, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, payload)
}

// ServeScopeList returns every registered scope definition.
func (h *Handler) ServeScopeList(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, ctx, h.ipLimiter, "ip", clientIP) {
		h.recordHTTPMetrics("scopes", http.MethodGet, http.StatusTooManyRequests, startTime)
		return
	}

	scopes, err := h.server.ListScopes(ctx)
	if err != nil {
		h.recordHTTPMetrics("scopes", http.MethodGet, errorStatus(err), startTime)
		h.writeError(w, err)
		return
	}

	payloads := make([]ScopePayload, 0, len(scopes))
	for _, s := range scopes {
		payloads = append(payloads, ScopePayload{
			Scope:            s.Name,
			Description:      s.Descr,
			CCExpiresIn:      s.CCExpiresIn,
			PassExpiresIn:    s.PasswordExpiresIn,
			RefreshExpiresIn: s.RefreshExpiresIn,
		})
	}

	h.recordHTTPMetrics("scopes", http.MethodGet, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, payloads)
}

// ServeClientStatus activates or deactivates a client application.
func (h *Handler) ServeClientStatus(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	clientIP := h.clientIP(r)
	if h.checkRateLimit(w, ctx, h.ipLimiter, "ip", clientIP) {
		h.recordHTTPMetrics("clients", http.MethodPut, http.StatusTooManyRequests, startTime)
		return
	}

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("clients", http.MethodPut, http.StatusBadRequest, startTime)
		h.writeError(w, server.ErrMandatoryParamMissing("client_id"))
		return
	}

	if err := h.server.UpdateClientStatus(ctx, req.ClientID, storage.ClientStatus(req.Status)); err != nil {
		h.recordHTTPMetrics("clients", http.MethodPut, errorStatus(err), startTime)
		h.writeError(w, err)
		return
	}

	h.recordHTTPMetrics("clients", http.MethodPut, http.StatusOK, startTime)
	h.writeJSON(w, http.StatusOK, StatusUpdateResponse{ClientID: req.ClientID, Status: req.Status})
}

// checkRateLimit applies a limiter and writes the 429 response when the
// request is over the limit. Returns true when the request was rejected.
func (h *Handler) checkRateLimit(w http.ResponseWriter, ctx context.Context, limiter *security.RateLimiter, limiterType, clientIP string) bool {
	if limiter == nil || limiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "limiter", limiterType, "ip", clientIP)
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP)
	}
	if h.instrumentation != nil {
		h.instrumentation.Metrics().RecordRateLimitExceeded(ctx, limiterType)
	}

	security.SetSecurityHeaders(w, h.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errorKeyRateLimited,
		"error_description": "too many requests, try again later",
	})
	return true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *storage.AccessToken) {
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  token.Token,
		TokenType:    server.TokenTypeBearer,
		ExpiresIn:    token.ExpiresIn,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders a protocol error as its status and message key.
// Anything that is not an OAuthError is an internal failure and renders as
// an opaque 500; details stay in the log.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	w.Header().Set("Content-Type", "application/json")

	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		w.WriteHeader(oauthErr.Status)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             oauthErr.Key,
			"error_description": oauthErr.Description,
		})
		return
	}

	h.logger.Error("Request failed", "error", err)
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "SERVER_ERROR",
		"error_description": "internal server error",
	})
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return r.Context(), nil
	}
	return h.tracer.Start(r.Context(), name)
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.instrumentation == nil {
		return
	}
	duration := float64(time.Since(startTime).Milliseconds())
	h.instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}

// errorStatus maps an error to the HTTP status it will render with.
func errorStatus(err error) int {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr.Status
	}
	return http.StatusInternalServerError
}

// isAuthFailure reports whether an error is worth an audit entry, as
// opposed to an ordinary malformed request.
func isAuthFailure(err error) bool {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		return false
	}
	switch oauthErr.Key {
	case server.ErrorKeyInvalidClientID,
		server.ErrorKeyInvalidClientSecret,
		server.ErrorKeyInvalidUsernamePassword,
		server.ErrorKeyInvalidRefreshToken,
		server.ErrorKeyInvalidAuthCode:
		return true
	}
	return false
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// bearerToken extracts a token from the Authorization header, or returns
// the empty string.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// buildRedirectURL appends code and state to the registered redirect URI.
func buildRedirectURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
