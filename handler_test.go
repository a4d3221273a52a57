package oauth20

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/apifest/oauth20/server"
	"github.com/apifest/oauth20/storage"
	"github.com/apifest/oauth20/storage/memory"
	"github.com/apifest/oauth20/users"
)

func newTestHandler(t *testing.T, config *Config) (*Handler, *memory.Store, *server.Server) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := server.New(store, nil, nil, logger)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	h := NewHandler(srv, config, logger)
	t.Cleanup(h.Close)
	return h, store, srv
}

func seedTestClient(t *testing.T, store *memory.Store, id, secret string, clientType storage.ClientType) {
	t.Helper()

	err := store.SaveClient(context.Background(), &storage.ClientCredentials{
		ID:      id,
		Secret:  secret,
		Name:    "test app",
		Type:    clientType,
		Status:  storage.ClientStatusActive,
		Created: time.Now(),
	})
	if err != nil {
		t.Fatalf("SaveClient: %v", err)
	}
}

func seedTestScope(t *testing.T, store *memory.Store, name string) {
	t.Helper()

	err := store.SaveScope(context.Background(), &storage.Scope{
		Name:              name,
		Descr:             "test scope",
		CCExpiresIn:       1800,
		PasswordExpiresIn: 900,
		RefreshExpiresIn:  3600,
	})
	if err != nil {
		t.Fatalf("SaveScope: %v", err)
	}
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func doForm(t *testing.T, mux *http.ServeMux, path string, form url.Values, basicAuth ...string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if len(basicAuth) == 2 {
		req.SetBasicAuth(basicAuth[0], basicAuth[1])
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	return body
}

func assertErrorKey(t *testing.T, w *httptest.ResponseRecorder, status int, key string) {
	t.Helper()

	if w.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["error"] != key {
		t.Fatalf("expected error key %s, got %v", key, body["error"])
	}
}

func TestClientRegistrationEndpoint(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	mux := h.Routes()

	w := doJSON(t, mux, http.MethodPost, "/oauth20/register",
		`{"name":"news reader","redirect_uri":"http://example.com","client_type":"confidential"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	clientID, _ := body["client_id"].(string)
	clientSecret, _ := body["client_secret"].(string)
	if len(clientID) != server.ClientIDLength {
		t.Errorf("expected %d-character client_id, got %q", server.ClientIDLength, clientID)
	}
	if len(clientSecret) != server.ClientSecretLength {
		t.Errorf("expected %d-character client_secret, got %q", server.ClientSecretLength, clientSecret)
	}
	if body["status"] != "active" || body["type"] != "confidential" {
		t.Errorf("unexpected registration response: %v", body)
	}

	w = doJSON(t, mux, http.MethodPost, "/oauth20/register", `{"redirect_uri":"http://example.com"}`)
	assertErrorKey(t, w, http.StatusBadRequest, server.ErrorKeyAppNameIsNull)
}

func TestAuthorizationCodeFlowEndToEnd(t *testing.T) {
	h, store, _ := newTestHandler(t, nil)
	mux := h.Routes()

	seedTestClient(t, store, "client-1", "secret-1", storage.ClientTypePublic)
	seedTestScope(t, store, "basic")

	// Authorize.
	w := doJSON(t, mux, http.MethodGet,
		"/oauth20/authorize?client_id=client-1&redirect_uri=http%3A%2F%2Fexample.com%2Fcb&response_type=code&scope=basic&state=xyz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("authorize: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	authBody := decodeBody(t, w)
	code, _ := authBody["code"].(string)
	if code == "" {
		t.Fatal("expected an authorization code")
	}
	redirect, _ := authBody["redirect_uri"].(string)
	if !strings.Contains(redirect, "code="+code) || !strings.Contains(redirect, "state=xyz") {
		t.Errorf("redirect URI missing code or state: %q", redirect)
	}

	// Exchange.
	w = doForm(t, mux, "/oauth20/tokens", url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {"client-1"},
		"code":         {code},
		"redirect_uri": {"http://example.com/cb"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("token: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("token response must carry Cache-Control: no-store, got %q", cc)
	}
	if pragma := w.Header().Get("Pragma"); pragma != "no-cache" {
		t.Errorf("token response must carry Pragma: no-cache, got %q", pragma)
	}
	tokenBody := decodeBody(t, w)
	accessToken, _ := tokenBody["access_token"].(string)
	refreshToken, _ := tokenBody["refresh_token"].(string)
	if accessToken == "" || refreshToken == "" {
		t.Fatalf("expected access and refresh tokens: %v", tokenBody)
	}
	if tokenBody["token_type"] != "Bearer" || tokenBody["scope"] != "basic" {
		t.Errorf("unexpected token response: %v", tokenBody)
	}

	// The code is single-use.
	w = doForm(t, mux, "/oauth20/tokens", url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {"client-1"},
		"code":         {code},
		"redirect_uri": {"http://example.com/cb"},
	})
	assertErrorKey(t, w, http.StatusBadRequest, server.ErrorKeyInvalidAuthCode)

	// Validate.
	req := httptest.NewRequest(http.MethodGet, "/oauth20/tokens/validate", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("validate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	validateBody := decodeBody(t, rec)
	if validateBody["valid"] != true || validateBody["client_id"] != "client-1" {
		t.Errorf("unexpected validation response: %v", validateBody)
	}

	// Refresh.
	w = doForm(t, mux, "/oauth20/tokens", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"client-1"},
		"refresh_token": {refreshToken},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	refreshedBody := decodeBody(t, w)
	newToken, _ := refreshedBody["access_token"].(string)
	if newToken == "" || newToken == accessToken {
		t.Fatalf("expected a rotated access token: %v", refreshedBody)
	}

	// Revoke the new token.
	w = doForm(t, mux, "/oauth20/tokens/revoke", url.Values{
		"token":     {newToken},
		"client_id": {"client-1"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["revoked"] != "true" {
		t.Errorf("expected revoked true, got %v", body)
	}

	// The revoked token no longer validates.
	req = httptest.NewRequest(http.MethodGet, "/oauth20/tokens/validate?token="+newToken, nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assertErrorKey(t, rec, http.StatusUnauthorized, server.ErrorKeyTokenExpired)
}

func TestTokenEndpointClientCredentials(t *testing.T) {
	h, store, _ := newTestHandler(t, nil)
	mux := h.Routes()

	seedTestClient(t, store, "conf-client", "conf-secret", storage.ClientTypeConfidential)
	seedTestScope(t, store, "basic")

	// Credentials via Basic auth take precedence over form values.
	w := doForm(t, mux, "/oauth20/tokens", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"ignored"},
		"client_secret": {"ignored"},
		"scope":         {"basic"},
	}, "conf-client", "conf-secret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if _, ok := body["refresh_token"]; ok {
		t.Error("client_credentials response must not include refresh_token")
	}
	if body["expires_in"] != float64(1800) {
		t.Errorf("expected expires_in 1800, got %v", body["expires_in"])
	}

	w = doForm(t, mux, "/oauth20/tokens", url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"basic"},
	}, "conf-client", "wrong")
	assertErrorKey(t, w, http.StatusUnauthorized, server.ErrorKeyInvalidClientSecret)

	w = doForm(t, mux, "/oauth20/tokens", url.Values{
		"grant_type": {"implicit"},
	}, "conf-client", "conf-secret")
	assertErrorKey(t, w, http.StatusBadRequest, server.ErrorKeyUnsupportedGrantType)
}

func TestTokenEndpointPasswordGrant(t *testing.T) {
	h, store, srv := newTestHandler(t, nil)
	mux := h.Routes()

	seedTestClient(t, store, "conf-client", "conf-secret", storage.ClientTypeConfidential)
	seedTestScope(t, store, "basic")

	dir := users.NewDirectory()
	if err := dir.AddUser("alice", "wonderland", "user-42"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	srv.SetVerifier(dir)

	w := doForm(t, mux, "/oauth20/tokens", url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"wonderland"},
		"scope":      {"basic"},
	}, "conf-client", "conf-secret")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["refresh_token"] == "" {
		t.Error("expected a refresh token")
	}

	w = doForm(t, mux, "/oauth20/tokens", url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"wrong"},
		"scope":      {"basic"},
	}, "conf-client", "conf-secret")
	assertErrorKey(t, w, http.StatusUnauthorized, server.ErrorKeyInvalidUsernamePassword)
}

func TestClientCredentialsEndToEnd(t *testing.T) {
	h, store, _ := newTestHandler(t, nil)
	mux := h.Routes()

	seedTestScope(t, store, "basic")

	// Register.
	w := doJSON(t, mux, http.MethodPost, "/oauth20/register",
		`{"name":"Demo","client_type":"confidential"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	regBody := decodeBody(t, w)
	clientID, _ := regBody["client_id"].(string)
	clientSecret, _ := regBody["client_secret"].(string)
	if len(clientID) != server.ClientIDLength || len(clientSecret) != server.ClientSecretLength {
		t.Fatalf("unexpected credential lengths: %q %q", clientID, clientSecret)
	}

	// Grant.
	w = doForm(t, mux, "/oauth20/tokens", url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"basic"},
	}, clientID, clientSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("token: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	tokenBody := decodeBody(t, w)
	accessToken, _ := tokenBody["access_token"].(string)
	if accessToken == "" {
		t.Fatal("expected an access token")
	}
	if tokenBody["expires_in"] != float64(1800) {
		t.Errorf("expected expires_in from scope.cc_expires_in, got %v", tokenBody["expires_in"])
	}
	if _, ok := tokenBody["refresh_token"]; ok {
		t.Error("client_credentials must not return a refresh token")
	}

	// Validate.
	req := httptest.NewRequest(http.MethodGet, "/oauth20/tokens/validate?token="+accessToken, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("validate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Revoke.
	w = doForm(t, mux, "/oauth20/tokens/revoke", url.Values{
		"token": {accessToken},
	}, clientID, clientSecret)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["revoked"] != "true" {
		t.Errorf("expected revoked true, got %v", body)
	}

	// The token is dead.
	req = httptest.NewRequest(http.MethodGet, "/oauth20/tokens/validate?token="+accessToken, nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assertErrorKey(t, rec, http.StatusUnauthorized, server.ErrorKeyTokenExpired)

	// Unregistered scope never issues a token.
	w = doForm(t, mux, "/oauth20/tokens", url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"nonexistent"},
	}, clientID, clientSecret)
	assertErrorKey(t, w, http.StatusBadRequest, server.ErrorKeyInvalidScope)
}

func TestScopeEndpoints(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	mux := h.Routes()

	payload := `{"scope":"basic","description":"basic access","cc_expires_in":1800,"pass_expires_in":900,"refresh_expires_in":3600}`
	w := doJSON(t, mux, http.MethodPost, "/oauth20/scopes", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, mux, http.MethodPost, "/oauth20/scopes", payload)
	assertErrorKey(t, w, http.StatusBadRequest, server.ErrorKeyScopeAlreadyExists)

	w = doJSON(t, mux, http.MethodGet, "/oauth20/scopes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var scopes []ScopePayload
	if err := json.NewDecoder(w.Body).Decode(&scopes); err != nil {
		t.Fatalf("decoding scope list: %v", err)
	}
	if len(scopes) != 1 || scopes[0].Scope != "basic" {
		t.Errorf("unexpected scope list: %v", scopes)
	}

	w = doJSON(t, mux, http.MethodPut, "/oauth20/scopes",
		`{"scope":"missing","description":"x","cc_expires_in":1,"pass_expires_in":1,"refresh_expires_in":1}`)
	assertErrorKey(t, w, http.StatusNotFound, server.ErrorKeyScopeNotExist)
}

func TestClientStatusEndpoint(t *testing.T) {
	h, store, _ := newTestHandler(t, nil)
	mux := h.Routes()

	seedTestClient(t, store, "client-1", "secret-1", storage.ClientTypeConfidential)
	seedTestScope(t, store, "basic")

	w := doJSON(t, mux, http.MethodPut, "/oauth20/clients/status",
		`{"client_id":"client-1","status":"inactive"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// An inactive client fails all grants.
	w = doForm(t, mux, "/oauth20/tokens", url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"basic"},
	}, "client-1", "secret-1")
	assertErrorKey(t, w, http.StatusUnauthorized, server.ErrorKeyInvalidClientID)

	w = doJSON(t, mux, http.MethodPut, "/oauth20/clients/status",
		`{"client_id":"client-1","status":"suspended"}`)
	assertErrorKey(t, w, http.StatusBadRequest, server.ErrorKeyInvalidClientStatus)
}

func TestPerIPRateLimit(t *testing.T) {
	h, store, _ := newTestHandler(t, &Config{
		RateLimit: RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1},
	})
	mux := h.Routes()

	seedTestClient(t, store, "conf-client", "conf-secret", storage.ClientTypeConfidential)
	seedTestScope(t, store, "basic")

	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"basic"},
	}
	w := doForm(t, mux, "/oauth20/tokens", form, "conf-client", "conf-secret")
	if w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doForm(t, mux, "/oauth20/tokens", form, "conf-client", "conf-secret")
	assertErrorKey(t, w, http.StatusTooManyRequests, errorKeyRateLimited)
}

func TestRegistrationRateLimit(t *testing.T) {
	h, _, _ := newTestHandler(t, &Config{
		RegistrationRateLimit: RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1},
	})
	mux := h.Routes()

	w := doJSON(t, mux, http.MethodPost, "/oauth20/register", `{"name":"first"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("first registration: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, mux, http.MethodPost, "/oauth20/register", `{"name":"second"}`)
	assertErrorKey(t, w, http.StatusTooManyRequests, errorKeyRateLimited)
}

func TestErrorResponsesAreUncacheable(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	mux := h.Routes()

	w := doForm(t, mux, "/oauth20/tokens", url.Values{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("error response must carry Cache-Control: no-store, got %q", cc)
	}
	if pragma := w.Header().Get("Pragma"); pragma != "no-cache" {
		t.Errorf("error response must carry Pragma: no-cache, got %q", pragma)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	mux := h.Routes()

	req := httptest.NewRequest(http.MethodDelete, "/oauth20/tokens", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}
