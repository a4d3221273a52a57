package storage

import (
	"fmt"
	"time"
)

// Record is the flat map form of an entity, suitable for JSON persistence.
// Timestamps are stored as unix milliseconds so records survive backends
// without a native time type.
type Record map[string]any

// ToRecord flattens a client registration.
func (c *ClientCredentials) ToRecord() Record {
	return Record{
		"_id":     c.ID,
		"secret":  c.Secret,
		"name":    c.Name,
		"uri":     c.URI,
		"descr":   c.Descr,
		"type":    string(c.Type),
		"status":  string(c.Status),
		"created": c.Created.UnixMilli(),
	}
}

// ClientFromRecord reconstructs a client registration, failing with
// ErrMalformedRecord when required fields are missing or mistyped.
func ClientFromRecord(rec Record) (*ClientCredentials, error) {
	id, err := recordString(rec, "_id")
	if err != nil {
		return nil, err
	}
	secret, err := recordString(rec, "secret")
	if err != nil {
		return nil, err
	}
	name, err := recordString(rec, "name")
	if err != nil {
		return nil, err
	}
	typ, err := recordString(rec, "type")
	if err != nil {
		return nil, err
	}
	status, err := recordString(rec, "status")
	if err != nil {
		return nil, err
	}
	created, err := recordTime(rec, "created")
	if err != nil {
		return nil, err
	}

	client := &ClientCredentials{
		ID:      id,
		Secret:  secret,
		Name:    name,
		URI:     optionalString(rec, "uri"),
		Descr:   optionalString(rec, "descr"),
		Type:    ClientType(typ),
		Status:  ClientStatus(status),
		Created: created,
	}
	if !client.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown client type %q", ErrMalformedRecord, typ)
	}
	if !client.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown client status %q", ErrMalformedRecord, status)
	}
	return client, nil
}

// ToRecord flattens a scope definition.
func (s *Scope) ToRecord() Record {
	return Record{
		"name":               s.Name,
		"descr":              s.Descr,
		"cc_expires_in":      s.CCExpiresIn,
		"pass_expires_in":    s.PasswordExpiresIn,
		"refresh_expires_in": s.RefreshExpiresIn,
	}
}

// ScopeFromRecord reconstructs a scope definition.
func ScopeFromRecord(rec Record) (*Scope, error) {
	name, err := recordString(rec, "name")
	if err != nil {
		return nil, err
	}
	cc, err := recordInt64(rec, "cc_expires_in")
	if err != nil {
		return nil, err
	}
	pass, err := recordInt64(rec, "pass_expires_in")
	if err != nil {
		return nil, err
	}
	refresh, err := recordInt64(rec, "refresh_expires_in")
	if err != nil {
		return nil, err
	}
	return &Scope{
		Name:              name,
		Descr:             optionalString(rec, "descr"),
		CCExpiresIn:       cc,
		PasswordExpiresIn: pass,
		RefreshExpiresIn:  refresh,
	}, nil
}

// ToRecord flattens an authorization code.
func (c *AuthorizationCode) ToRecord() Record {
	return Record{
		"code":         c.Code,
		"client_id":    c.ClientID,
		"redirect_uri": c.RedirectURI,
		"state":        c.State,
		"scope":        c.Scope,
		"type":         c.Type,
		"valid":        c.Valid,
		"created":      c.Created.UnixMilli(),
		"expires_in":   c.ExpiresIn,
	}
}

// AuthCodeFromRecord reconstructs an authorization code.
func AuthCodeFromRecord(rec Record) (*AuthorizationCode, error) {
	code, err := recordString(rec, "code")
	if err != nil {
		return nil, err
	}
	clientID, err := recordString(rec, "client_id")
	if err != nil {
		return nil, err
	}
	valid, err := recordBool(rec, "valid")
	if err != nil {
		return nil, err
	}
	created, err := recordTime(rec, "created")
	if err != nil {
		return nil, err
	}
	expiresIn, err := recordInt64(rec, "expires_in")
	if err != nil {
		return nil, err
	}
	return &AuthorizationCode{
		Code:        code,
		ClientID:    clientID,
		RedirectURI: optionalString(rec, "redirect_uri"),
		State:       optionalString(rec, "state"),
		Scope:       optionalString(rec, "scope"),
		Type:        optionalString(rec, "type"),
		Valid:       valid,
		Created:     created,
		ExpiresIn:   expiresIn,
	}, nil
}

// ToRecord flattens an access token record.
func (t *AccessToken) ToRecord() Record {
	return Record{
		"token":         t.Token,
		"refresh_token": t.RefreshToken,
		"client_id":     t.ClientID,
		"user_id":       t.UserID,
		"scope":         t.Scope,
		"type":          t.Type,
		"valid":         t.Valid,
		"created":       t.Created.UnixMilli(),
		"expires_in":    t.ExpiresIn,
	}
}

// TokenFromRecord reconstructs an access token record.
func TokenFromRecord(rec Record) (*AccessToken, error) {
	token, err := recordString(rec, "token")
	if err != nil {
		return nil, err
	}
	clientID, err := recordString(rec, "client_id")
	if err != nil {
		return nil, err
	}
	valid, err := recordBool(rec, "valid")
	if err != nil {
		return nil, err
	}
	created, err := recordTime(rec, "created")
	if err != nil {
		return nil, err
	}
	expiresIn, err := recordInt64(rec, "expires_in")
	if err != nil {
		return nil, err
	}
	return &AccessToken{
		Token:        token,
		RefreshToken: optionalString(rec, "refresh_token"),
		ClientID:     clientID,
		UserID:       optionalString(rec, "user_id"),
		Scope:        optionalString(rec, "scope"),
		Type:         optionalString(rec, "type"),
		Valid:        valid,
		Created:      created,
		ExpiresIn:    expiresIn,
	}, nil
}

func recordString(rec Record, key string) (string, error) {
	v, ok := rec[key]
	if !ok {
		return "", fmt.Errorf("%w: missing field %q", ErrMalformedRecord, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: field %q is not a non-empty string", ErrMalformedRecord, key)
	}
	return s, nil
}

func optionalString(rec Record, key string) string {
	s, _ := rec[key].(string)
	return s
}

func recordBool(rec Record, key string) (bool, error) {
	v, ok := rec[key]
	if !ok {
		return false, fmt.Errorf("%w: missing field %q", ErrMalformedRecord, key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: field %q is not a bool", ErrMalformedRecord, key)
	}
	return b, nil
}

// recordInt64 accepts int64 and float64 since JSON decoding produces the
// latter for all numbers.
func recordInt64(rec Record, key string) (int64, error) {
	v, ok := rec[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing field %q", ErrMalformedRecord, key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: field %q is not numeric", ErrMalformedRecord, key)
	}
}

func recordTime(rec Record, key string) (time.Time, error) {
	millis, err := recordInt64(rec, key)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}
