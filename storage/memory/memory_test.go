package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apifest/oauth20/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func testClient(id string) *storage.ClientCredentials {
	return &storage.ClientCredentials{
		ID:      id,
		Secret:  "bb635eb22c5b5ce3de06e31bb88be7ae",
		Name:    "TestApp",
		URI:     "http://example.com",
		Type:    storage.ClientTypeConfidential,
		Status:  storage.ClientStatusActive,
		Created: time.Now(),
	}
}

func testToken(token, refresh, clientID string) *storage.AccessToken {
	return &storage.AccessToken{
		Token:        token,
		RefreshToken: refresh,
		ClientID:     clientID,
		Scope:        "basic",
		Type:         "password",
		Valid:        true,
		Created:      time.Now(),
		ExpiresIn:    3600,
	}
}

func TestClientLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := testClient("203598599234220")
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error: %v", err)
	}

	got, err := s.GetClient(ctx, client.ID)
	if err != nil {
		t.Fatalf("GetClient() error: %v", err)
	}
	if got.Secret != client.Secret || got.Type != client.Type {
		t.Errorf("GetClient() = %+v, want %+v", got, client)
	}

	exists, err := s.ClientExists(ctx, client.ID)
	if err != nil || !exists {
		t.Errorf("ClientExists() = %v, %v, want true, nil", exists, err)
	}

	if err := s.UpdateClientStatus(ctx, client.ID, storage.ClientStatusInactive); err != nil {
		t.Fatalf("UpdateClientStatus() error: %v", err)
	}
	got, err = s.GetClient(ctx, client.ID)
	if err != nil {
		t.Fatalf("GetClient() after update error: %v", err)
	}
	if got.Status != storage.ClientStatusInactive {
		t.Errorf("Status after update = %q, want inactive", got.Status)
	}

	clients, err := s.ListClients(ctx)
	if err != nil || len(clients) != 1 {
		t.Errorf("ListClients() = %d clients, %v, want 1, nil", len(clients), err)
	}
}

func TestGetClientNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetClient(context.Background(), "missing")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
	}
}

func TestUpdateClientStatusUnknownClient(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateClientStatus(context.Background(), "missing", storage.ClientStatusActive)
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("UpdateClientStatus() error = %v, want ErrClientNotFound", err)
	}
}

func TestGetClientReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveClient(ctx, testClient("203598599234220")); err != nil {
		t.Fatalf("SaveClient() error: %v", err)
	}

	got, _ := s.GetClient(ctx, "203598599234220")
	got.Status = storage.ClientStatusInactive

	again, _ := s.GetClient(ctx, "203598599234220")
	if again.Status != storage.ClientStatusActive {
		t.Error("mutating a returned client should not affect the stored record")
	}
}

func TestScopeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	scope := &storage.Scope{Name: "basic", CCExpiresIn: 1800, PasswordExpiresIn: 900, RefreshExpiresIn: 3600}
	if err := s.SaveScope(ctx, scope); err != nil {
		t.Fatalf("SaveScope() error: %v", err)
	}

	if err := s.SaveScope(ctx, scope); !errors.Is(err, storage.ErrScopeExists) {
		t.Errorf("duplicate SaveScope() error = %v, want ErrScopeExists", err)
	}

	scope.PasswordExpiresIn = 1200
	if err := s.UpdateScope(ctx, scope); err != nil {
		t.Fatalf("UpdateScope() error: %v", err)
	}

	got, err := s.GetScope(ctx, "basic")
	if err != nil {
		t.Fatalf("GetScope() error: %v", err)
	}
	if got.PasswordExpiresIn != 1200 {
		t.Errorf("PasswordExpiresIn = %d, want 1200", got.PasswordExpiresIn)
	}

	if err := s.UpdateScope(ctx, &storage.Scope{Name: "missing"}); !errors.Is(err, storage.ErrScopeNotFound) {
		t.Errorf("UpdateScope() unknown scope error = %v, want ErrScopeNotFound", err)
	}

	scopes, err := s.ListScopes(ctx)
	if err != nil || len(scopes) != 1 {
		t.Errorf("ListScopes() = %d scopes, %v, want 1, nil", len(scopes), err)
	}
}

func TestAtomicConsumeAuthCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:        "authcode1234567890123456789012345678",
		ClientID:    "203598599234220",
		RedirectURI: "http://example.com/cb",
		Valid:       true,
		Created:     time.Now(),
		ExpiresIn:   600,
	}
	if err := s.SaveAuthCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthCode() error: %v", err)
	}

	got, err := s.AtomicConsumeAuthCode(ctx, code.Code, code.RedirectURI)
	if err != nil {
		t.Fatalf("AtomicConsumeAuthCode() error: %v", err)
	}
	if got.ClientID != code.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, code.ClientID)
	}

	_, err = s.AtomicConsumeAuthCode(ctx, code.Code, code.RedirectURI)
	if !errors.Is(err, storage.ErrAuthCodeConsumed) {
		t.Errorf("second consume error = %v, want ErrAuthCodeConsumed", err)
	}
}

func TestAtomicConsumeAuthCodeRedirectMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:        "authcode1234567890123456789012345678",
		ClientID:    "203598599234220",
		RedirectURI: "http://example.com/cb",
		Valid:       true,
		Created:     time.Now(),
		ExpiresIn:   600,
	}
	if err := s.SaveAuthCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthCode() error: %v", err)
	}

	_, err := s.AtomicConsumeAuthCode(ctx, code.Code, "http://evil.example.com/cb")
	if !errors.Is(err, storage.ErrAuthCodeNotFound) {
		t.Errorf("mismatched redirect error = %v, want ErrAuthCodeNotFound", err)
	}

	// The failed attempt must not consume the code.
	if _, err := s.AtomicConsumeAuthCode(ctx, code.Code, code.RedirectURI); err != nil {
		t.Errorf("consume after mismatch error = %v, want nil", err)
	}
}

func TestAtomicConsumeAuthCodeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:        "authcode1234567890123456789012345678",
		ClientID:    "203598599234220",
		RedirectURI: "http://example.com/cb",
		Valid:       true,
		Created:     time.Now().Add(-11 * time.Minute),
		ExpiresIn:   600,
	}
	if err := s.SaveAuthCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthCode() error: %v", err)
	}

	_, err := s.AtomicConsumeAuthCode(ctx, code.Code, code.RedirectURI)
	if !errors.Is(err, storage.ErrExpired) {
		t.Errorf("expired code error = %v, want ErrExpired", err)
	}
}

func TestAtomicConsumeAuthCodeConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:        "authcode1234567890123456789012345678",
		ClientID:    "203598599234220",
		RedirectURI: "http://example.com/cb",
		Valid:       true,
		Created:     time.Now(),
		ExpiresIn:   600,
	}
	if err := s.SaveAuthCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthCode() error: %v", err)
	}

	const goroutines = 20
	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AtomicConsumeAuthCode(ctx, code.Code, code.RedirectURI); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("concurrent consume successes = %d, want exactly 1", successes)
	}
}

func TestTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := testToken("accesstoken1", "refreshtoken1", "203598599234220")
	if err := s.SaveAccessToken(ctx, token); err != nil {
		t.Fatalf("SaveAccessToken() error: %v", err)
	}

	got, err := s.GetAccessToken(ctx, token.Token)
	if err != nil {
		t.Fatalf("GetAccessToken() error: %v", err)
	}
	if got.RefreshToken != token.RefreshToken || !got.Valid {
		t.Errorf("GetAccessToken() = %+v", got)
	}

	byRefresh, err := s.GetAccessTokenByRefresh(ctx, token.RefreshToken, token.ClientID)
	if err != nil {
		t.Fatalf("GetAccessTokenByRefresh() error: %v", err)
	}
	if byRefresh.Token != token.Token {
		t.Errorf("GetAccessTokenByRefresh() token = %q, want %q", byRefresh.Token, token.Token)
	}

	exists, err := s.TokenExists(ctx, token.Token)
	if err != nil || !exists {
		t.Errorf("TokenExists() = %v, %v, want true, nil", exists, err)
	}
}

func TestGetAccessTokenByRefreshWrongClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAccessToken(ctx, testToken("t1", "r1", "client-a")); err != nil {
		t.Fatalf("SaveAccessToken() error: %v", err)
	}

	_, err := s.GetAccessTokenByRefresh(ctx, "r1", "client-b")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("wrong client refresh lookup error = %v, want ErrTokenNotFound", err)
	}
}

func TestAtomicRevokeAccessToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAccessToken(ctx, testToken("t1", "", "client-a")); err != nil {
		t.Fatalf("SaveAccessToken() error: %v", err)
	}

	revoked, err := s.AtomicRevokeAccessToken(ctx, "t1")
	if err != nil || !revoked {
		t.Fatalf("AtomicRevokeAccessToken() = %v, %v, want true, nil", revoked, err)
	}

	revoked, err = s.AtomicRevokeAccessToken(ctx, "t1")
	if err != nil || revoked {
		t.Errorf("second AtomicRevokeAccessToken() = %v, %v, want false, nil", revoked, err)
	}

	_, err = s.AtomicRevokeAccessToken(ctx, "missing")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("unknown token revoke error = %v, want ErrTokenNotFound", err)
	}
}

func TestAtomicRevokeConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAccessToken(ctx, testToken("t1", "", "client-a")); err != nil {
		t.Fatalf("SaveAccessToken() error: %v", err)
	}

	const goroutines = 20
	var wg sync.WaitGroup
	var winners int32
	var mu sync.Mutex

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.AtomicRevokeAccessToken(ctx, "t1"); err == nil && ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("concurrent revoke winners = %d, want exactly 1", winners)
	}
}

func TestAtomicConsumeRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAccessToken(ctx, testToken("t1", "r1", "client-a")); err != nil {
		t.Fatalf("SaveAccessToken() error: %v", err)
	}

	old, err := s.AtomicConsumeRefreshToken(ctx, "r1", "client-a")
	if err != nil {
		t.Fatalf("AtomicConsumeRefreshToken() error: %v", err)
	}
	if old.Token != "t1" {
		t.Errorf("consumed token = %q, want t1", old.Token)
	}

	// The old access token must be invalidated.
	got, err := s.GetAccessToken(ctx, "t1")
	if err != nil {
		t.Fatalf("GetAccessToken() error: %v", err)
	}
	if got.Valid {
		t.Error("access token should be invalid after refresh consumption")
	}

	_, err = s.AtomicConsumeRefreshToken(ctx, "r1", "client-a")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("second consume error = %v, want ErrTokenNotFound", err)
	}
}

func TestAtomicConsumeRefreshTokenConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveAccessToken(ctx, testToken("t1", "r1", "client-a")); err != nil {
		t.Fatalf("SaveAccessToken() error: %v", err)
	}

	const goroutines = 20
	var wg sync.WaitGroup
	var winners int32
	var mu sync.Mutex

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AtomicConsumeRefreshToken(ctx, "r1", "client-a"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("concurrent refresh winners = %d, want exactly 1", winners)
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := testToken("expired", "r-expired", "client-a")
	expired.Created = time.Now().Add(-2 * time.Hour)
	expired.ExpiresIn = 3600
	expired.Valid = false
	if err := s.SaveAccessToken(ctx, expired); err != nil {
		t.Fatalf("SaveAccessToken() error: %v", err)
	}

	refreshable := testToken("refreshable", "r-live", "client-a")
	refreshable.Created = time.Now().Add(-2 * time.Hour)
	refreshable.ExpiresIn = 3600
	if err := s.SaveAccessToken(ctx, refreshable); err != nil {
		t.Fatalf("SaveAccessToken() error: %v", err)
	}

	fresh := testToken("fresh", "", "client-a")
	if err := s.SaveAccessToken(ctx, fresh); err != nil {
		t.Fatalf("SaveAccessToken() error: %v", err)
	}

	staleCode := &storage.AuthorizationCode{
		Code:      "stale",
		ClientID:  "client-a",
		Valid:     true,
		Created:   time.Now().Add(-1 * time.Hour),
		ExpiresIn: 600,
	}
	if err := s.SaveAuthCode(ctx, staleCode); err != nil {
		t.Fatalf("SaveAuthCode() error: %v", err)
	}

	s.cleanup()

	if _, err := s.GetAccessToken(ctx, "expired"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("expired token should be removed, got %v", err)
	}
	if _, err := s.GetAccessToken(ctx, "fresh"); err != nil {
		t.Errorf("fresh token should survive cleanup, got %v", err)
	}
	if _, err := s.GetAuthCode(ctx, "stale"); !errors.Is(err, storage.ErrAuthCodeNotFound) {
		t.Errorf("stale code should be removed, got %v", err)
	}
	if _, err := s.GetAccessTokenByRefresh(ctx, "r-expired", "client-a"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("refresh index entry should be removed with its token, got %v", err)
	}
	if _, err := s.GetAccessTokenByRefresh(ctx, "r-live", "client-a"); err != nil {
		t.Errorf("expired token with live refresh token should survive cleanup, got %v", err)
	}
}

func TestConcurrentMixedAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const goroutines = 10
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("client-%d", n)
			_ = s.SaveClient(ctx, testClient(id))
			_, _ = s.GetClient(ctx, id)
			_ = s.SaveAccessToken(ctx, testToken(fmt.Sprintf("t-%d", n), fmt.Sprintf("r-%d", n), id))
			_, _ = s.GetAccessToken(ctx, fmt.Sprintf("t-%d", n))
		}(i)
	}
	wg.Wait()

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error: %v", err)
	}
	if len(clients) != goroutines {
		t.Errorf("ListClients() = %d, want %d", len(clients), goroutines)
	}
}
