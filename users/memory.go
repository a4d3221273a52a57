package users

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Directory is an in-memory Verifier holding bcrypt password hashes. It is
// intended for development and testing; production deployments verify
// against their own user store.
type Directory struct {
	mu    sync.RWMutex
	users map[string]directoryEntry
}

type directoryEntry struct {
	id           string
	passwordHash []byte
}

// NewDirectory creates an empty in-memory user directory.
func NewDirectory() *Directory {
	return &Directory{users: make(map[string]directoryEntry)}
}

var _ Verifier = (*Directory)(nil)

// AddUser registers a user with the given identifier and password. The
// password is stored as a bcrypt hash.
func (d *Directory) AddUser(username, password, userID string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[username] = directoryEntry{id: userID, passwordHash: hash}
	return nil
}

// VerifyCredentials checks a username/password pair against the directory.
func (d *Directory) VerifyCredentials(ctx context.Context, username, password string) (string, error) {
	d.mu.RLock()
	entry, ok := d.users[username]
	d.mu.RUnlock()

	if !ok {
		// Burn a bcrypt comparison so unknown users cost the same as wrong
		// passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(entry.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return entry.id, nil
}

// dummyHash is a valid bcrypt hash of an unguessable value, used to equalize
// timing for unknown usernames.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("oauth20-timing-equalizer"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()
