// internal/common/auth/keycloak.go
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"experiment-oracle/internal/common/errors"
)

// KeycloakAuthenticator resolves bearer tokens through Keycloak token introspection.
type KeycloakAuthenticator struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// TokenInfo holds the information returned by the token introspection endpoint.
type TokenInfo struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"` // seconds since epoch
	Sub       string `json:"sub,omitempty"` // user id
	Iss       string `json:"iss,omitempty"`
}

func NewKeycloakAuthenticator(baseURL, realm, clientID, clientSecret string) *KeycloakAuthenticator {
	return &KeycloakAuthenticator{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Authenticate introspects the token and returns its subject as the user id.
func (k *KeycloakAuthenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingBearer
	}
	info, err := k.ValidateToken(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	if info.Sub == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrInvalidToken)
	}
	return Identity{UserID: info.Sub, Username: info.Username}, nil
}

// ValidateToken checks if an access token is valid and active.
func (k *KeycloakAuthenticator) ValidateToken(ctx context.Context, token string) (*TokenInfo, error) {
	introspectURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token/introspect", k.baseURL, k.realm)

	data := url.Values{}
	data.Set("token", token)
	data.Set("token_type_hint", "access_token")
	data.Set("client_id", k.clientID)
	data.Set("client_secret", k.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, introspectURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, errors.NewInternalError(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewTransportError("keycloak", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if isTransientHTTPError(resp.StatusCode) {
			return nil, errors.NewTransportError("keycloak",
				fmt.Errorf("introspection status %d: %s", resp.StatusCode, string(body)))
		}
		return nil, fmt.Errorf("%w: introspection status %d", ErrInvalidToken, resp.StatusCode)
	}

	var tokenInfo TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&tokenInfo); err != nil {
		return nil, errors.NewMalformedResponseError("token introspection: " + err.Error())
	}

	if !tokenInfo.Active {
		return nil, ErrInvalidToken
	}

	return &tokenInfo, nil
}

// isTransientHTTPError returns true if the HTTP status code indicates a potentially transient error.
func isTransientHTTPError(statusCode int) bool {
	switch statusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
