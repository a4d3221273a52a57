package server

import (
	"context"
	"testing"

	"github.com/apifest/oauth20/storage"
)

func TestRegisterScope(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	scope := &storage.Scope{
		Name:              "basic",
		Descr:             "basic access",
		CCExpiresIn:       1800,
		PasswordExpiresIn: 900,
		RefreshExpiresIn:  3600,
	}
	if err := srv.RegisterScope(ctx, scope); err != nil {
		t.Fatalf("RegisterScope: %v", err)
	}

	err := srv.RegisterScope(ctx, scope)
	assertOAuthError(t, err, ErrorKeyScopeAlreadyExists)

	scopes, err := srv.ListScopes(ctx)
	if err != nil {
		t.Fatalf("ListScopes: %v", err)
	}
	if len(scopes) != 1 {
		t.Fatalf("expected 1 scope, got %d", len(scopes))
	}
}

func TestScopeDefinitionValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		scope *storage.Scope
	}{
		{name: "nil scope", scope: nil},
		{name: "empty name", scope: &storage.Scope{CCExpiresIn: 1, PasswordExpiresIn: 1, RefreshExpiresIn: 1}},
		{name: "name with spaces", scope: &storage.Scope{Name: "two words", CCExpiresIn: 1, PasswordExpiresIn: 1, RefreshExpiresIn: 1}},
		{name: "zero cc lifetime", scope: &storage.Scope{Name: "x", PasswordExpiresIn: 1, RefreshExpiresIn: 1}},
		{name: "negative password lifetime", scope: &storage.Scope{Name: "x", CCExpiresIn: 1, PasswordExpiresIn: -1, RefreshExpiresIn: 1}},
		{name: "zero refresh lifetime", scope: &storage.Scope{Name: "x", CCExpiresIn: 1, PasswordExpiresIn: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.RegisterScope(ctx, tt.scope)
			assertOAuthError(t, err, ErrorKeyInvalidScopeDefinition)
		})
	}
}

func TestUpdateScopeDefinition(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	seedScope(t, store, "basic", 1800, 900, 3600)

	updated := &storage.Scope{
		Name:              "basic",
		Descr:             "updated",
		CCExpiresIn:       60,
		PasswordExpiresIn: 60,
		RefreshExpiresIn:  60,
	}
	if err := srv.UpdateScopeDefinition(ctx, updated); err != nil {
		t.Fatalf("UpdateScopeDefinition: %v", err)
	}

	got, err := store.GetScope(ctx, "basic")
	if err != nil {
		t.Fatalf("GetScope: %v", err)
	}
	if got.Descr != "updated" || got.CCExpiresIn != 60 {
		t.Errorf("update not persisted: %+v", got)
	}

	err = srv.UpdateScopeDefinition(ctx, &storage.Scope{
		Name:              "missing",
		CCExpiresIn:       1,
		PasswordExpiresIn: 1,
		RefreshExpiresIn:  1,
	})
	assertOAuthError(t, err, ErrorKeyScopeNotExist)
}

func TestResolveScopeLifetime(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	seedScope(t, store, "read", 100, 200, 300)
	seedScope(t, store, "write", 500, 50, 900)

	tests := []struct {
		name      string
		scope     string
		grantType string
		want      int64
		wantKey   string
	}{
		{name: "client_credentials lifetime", scope: "read", grantType: GrantTypeClientCredentials, want: 100},
		{name: "password lifetime", scope: "read", grantType: GrantTypePassword, want: 200},
		{name: "authorization_code uses password lifetime", scope: "read", grantType: GrantTypeAuthorizationCode, want: 200},
		{name: "refresh lifetime", scope: "read", grantType: GrantTypeRefreshToken, want: 300},
		{name: "longest lifetime wins", scope: "read write", grantType: GrantTypePassword, want: 200},
		{name: "longest cc lifetime wins", scope: "read write", grantType: GrantTypeClientCredentials, want: 500},
		{name: "empty scope", scope: "", wantKey: ErrorKeyMandatoryParamMissing},
		{name: "blank scope", scope: "   ", wantKey: ErrorKeyMandatoryParamMissing},
		{name: "unknown scope", scope: "read admin", grantType: GrantTypePassword, wantKey: ErrorKeyInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := srv.resolveScopeLifetime(ctx, tt.scope, tt.grantType)
			if tt.wantKey != "" {
				assertOAuthError(t, err, tt.wantKey)
				return
			}
			if err != nil {
				t.Fatalf("resolveScopeLifetime: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected lifetime %d, got %d", tt.want, got)
			}
		})
	}
}
