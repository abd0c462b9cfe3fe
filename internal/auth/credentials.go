package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"call-dispatcher/internal/config"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// dummyHash is compared against when the username is unknown, so both paths
// cost one bcrypt comparison.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z4xP5.WU1.8Gd8UPZd8I/nG.")

type Operator struct {
	Username string
	Role     string
}

// Authenticator checks operator passwords against bcrypt hashes from config.
type Authenticator struct {
	users map[string]config.UserCredential
}

// NewAuthenticator rejects entries whose role fails validRole or whose hash
// is not a bcrypt hash.
func NewAuthenticator(users []config.UserCredential, validRole func(string) bool) (*Authenticator, error) {
	a := &Authenticator{users: make(map[string]config.UserCredential, len(users))}
	for _, u := range users {
		if validRole != nil && !validRole(u.Role) {
			return nil, fmt.Errorf("auth: user %q has unknown role %q", u.Username, u.Role)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("auth: user %q: password hash: %w", u.Username, err)
		}
		a.users[u.Username] = u
	}
	return a, nil
}

func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (Operator, error) {
	username = strings.TrimSpace(username)
	u, ok := a.users[username]
	hash := dummyHash
	if ok {
		hash = []byte(u.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		return Operator{}, ErrInvalidCredentials
	}
	return Operator{Username: u.Username, Role: u.Role}, nil
}

// Lookup returns the operator for a verified refresh token subject.
func (a *Authenticator) Lookup(username string) (Operator, bool) {
	u, ok := a.users[username]
	if !ok {
		return Operator{}, false
	}
	return Operator{Username: u.Username, Role: u.Role}, true
}

// HashPassword is used by tooling that provisions AUTH_USERS entries.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
