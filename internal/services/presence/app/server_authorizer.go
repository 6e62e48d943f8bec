package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
)

// wsAuthorizer resolves a websocket access token to a user identity.
type wsAuthorizer interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// wsAuthEnv holds raw env values before post-parse validation.
type wsAuthEnv struct {
	Issuer    string `env:"GUARDIAN_WS_JWT_ISSUER"`
	Audience  string `env:"GUARDIAN_WS_JWT_AUDIENCE"`
	PublicKey string `env:"GUARDIAN_WS_JWT_PUBLIC_KEY"`
}

// tokenAuthorizer verifies EdDSA access tokens locally. Auth is opt-in:
// when no public key is configured the server accepts anonymous sessions.
type tokenAuthorizer struct {
	issuer   string
	audience string
	key      ed25519.PublicKey
	now      func() time.Time
}

type wsTokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// newWSAuthorizerFromEnv builds the websocket authorizer from GUARDIAN_WS_JWT_*
// variables. A nil authorizer with nil error means auth is disabled.
func newWSAuthorizerFromEnv() (wsAuthorizer, error) {
	var raw wsAuthEnv
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("parse ws auth env: %w", err)
	}
	publicKey := strings.TrimSpace(raw.PublicKey)
	if publicKey == "" {
		return nil, nil
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	if issuer == "" {
		return nil, fmt.Errorf("GUARDIAN_WS_JWT_ISSUER is required when a public key is set")
	}
	if audience == "" {
		return nil, fmt.Errorf("GUARDIAN_WS_JWT_AUDIENCE is required when a public key is set")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		keyBytes, err = base64.RawStdEncoding.DecodeString(publicKey)
	}
	if err != nil {
		return nil, fmt.Errorf("decode ws auth public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ws auth public key must be %d bytes", ed25519.PublicKeySize)
	}
	return &tokenAuthorizer{
		issuer:   issuer,
		audience: audience,
		key:      ed25519.PublicKey(keyBytes),
		now:      time.Now,
	}, nil
}

// Authenticate verifies the token signature and claims and returns the
// embedded user id.
func (a *tokenAuthorizer) Authenticate(_ context.Context, accessToken string) (string, error) {
	if a == nil || len(a.key) != ed25519.PublicKeySize {
		return "", errors.New("ws auth is not configured")
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return "", errors.New("access token is required")
	}

	var parsed wsTokenClaims
	_, err := jwt.ParseWithClaims(accessToken, &parsed, func(token *jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}

	if parsed.Issuer != a.issuer {
		return "", errors.New("access token issuer mismatch")
	}
	if !audienceContains(parsed.Audience, a.audience) {
		return "", errors.New("access token audience mismatch")
	}
	if parsed.ExpiresAt == nil {
		return "", errors.New("access token exp is required")
	}
	now := a.now().UTC()
	if !parsed.ExpiresAt.Time.UTC().After(now) {
		return "", errors.New("access token is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return "", errors.New("access token not active yet")
	}

	userID := strings.TrimSpace(parsed.UserID)
	if userID == "" {
		userID = strings.TrimSpace(parsed.Subject)
	}
	if userID == "" {
		return "", errors.New("access token carries no user id")
	}
	return userID, nil
}

func audienceContains(audience jwt.ClaimStrings, want string) bool {
	for _, value := range audience {
		if value == want {
			return true
		}
	}
	return false
}
