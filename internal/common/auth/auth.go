// internal/common/auth/auth.go
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

// Identity is the caller resolved from a bearer credential.
type Identity struct {
	UserID   string
	Username string
}

// Authenticator resolves a bearer token to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

// StaticAuthenticator maps opaque tokens to user ids.
type StaticAuthenticator struct {
	tokens map[string]string
}

func NewStaticAuthenticator(tokens map[string]string) *StaticAuthenticator {
	copied := make(map[string]string, len(tokens))
	for token, user := range tokens {
		copied[token] = user
	}
	return &StaticAuthenticator{tokens: copied}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingBearer
	}
	for known, user := range a.tokens {
		if TokensEqual(known, token) {
			return Identity{UserID: user, Username: user}, nil
		}
	}
	return Identity{}, ErrInvalidToken
}

// Chain tries each authenticator in order and returns the first identity resolved.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingBearer
	}
	var lastErr error = ErrInvalidToken
	for _, a := range c {
		id, err := a.Authenticate(ctx, token)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !errors.Is(err, ErrInvalidToken) {
			// transport failure; a later authenticator may still recognise the token
			continue
		}
	}
	return Identity{}, lastErr
}

// IsCredentialError reports whether err means the caller presented no usable credential.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrMissingBearer) || errors.Is(err, ErrInvalidToken)
}

// TokensEqual compares secrets in constant time.
func TokensEqual(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
