package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testAuthIssuer   = "guardian-auth"
	testAuthAudience = "guardian-presence"
)

func newTestAuthorizer(t *testing.T) (*tokenAuthorizer, ed25519.PrivateKey) {
	t.Helper()
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &tokenAuthorizer{
		issuer:   testAuthIssuer,
		audience: testAuthAudience,
		key:      public,
		now:      time.Now,
	}, private
}

func signTestToken(t *testing.T, private ed25519.PrivateKey, claims wsTokenClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(private)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func validTestClaims() wsTokenClaims {
	return wsTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testAuthIssuer,
			Audience:  jwt.ClaimStrings{testAuthAudience},
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: "user-1",
	}
}

func TestAuthenticateAcceptsValidToken(t *testing.T) {
	authorizer, private := newTestAuthorizer(t)

	token := signTestToken(t, private, validTestClaims())
	userID, err := authorizer.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("user id = %q, want user-1", userID)
	}
}

func TestAuthenticateFallsBackToSubject(t *testing.T) {
	authorizer, private := newTestAuthorizer(t)

	claims := validTestClaims()
	claims.UserID = ""
	claims.Subject = "subject-only"
	token := signTestToken(t, private, claims)

	userID, err := authorizer.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if userID != "subject-only" {
		t.Fatalf("user id = %q, want subject-only", userID)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	authorizer, private := newTestAuthorizer(t)
	_, otherPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	expired := validTestClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	notYet := validTestClaims()
	notYet.NotBefore = jwt.NewNumericDate(time.Now().Add(time.Hour))

	wrongIssuer := validTestClaims()
	wrongIssuer.Issuer = "someone-else"

	wrongAudience := validTestClaims()
	wrongAudience.Audience = jwt.ClaimStrings{"another-service"}

	noExpiry := validTestClaims()
	noExpiry.ExpiresAt = nil

	noIdentity := validTestClaims()
	noIdentity.UserID = ""
	noIdentity.Subject = ""

	cases := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "wrong key", token: signTestToken(t, otherPrivate, validTestClaims())},
		{name: "expired", token: signTestToken(t, private, expired)},
		{name: "not active yet", token: signTestToken(t, private, notYet)},
		{name: "wrong issuer", token: signTestToken(t, private, wrongIssuer)},
		{name: "wrong audience", token: signTestToken(t, private, wrongAudience)},
		{name: "missing expiry", token: signTestToken(t, private, noExpiry)},
		{name: "no identity", token: signTestToken(t, private, noIdentity)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := authorizer.Authenticate(context.Background(), tc.token); err == nil {
				t.Fatal("expected Authenticate to reject the token")
			}
		})
	}
}

func TestNewWSAuthorizerFromEnvDisabledWithoutKey(t *testing.T) {
	t.Setenv("GUARDIAN_WS_JWT_PUBLIC_KEY", "")
	t.Setenv("GUARDIAN_WS_JWT_ISSUER", "")
	t.Setenv("GUARDIAN_WS_JWT_AUDIENCE", "")

	authorizer, err := newWSAuthorizerFromEnv()
	if err != nil {
		t.Fatalf("newWSAuthorizerFromEnv: %v", err)
	}
	if authorizer != nil {
		t.Fatal("expected auth to be disabled without a public key")
	}
}

func TestNewWSAuthorizerFromEnvRequiresIssuerAndAudience(t *testing.T) {
	public, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(public)

	t.Setenv("GUARDIAN_WS_JWT_PUBLIC_KEY", encoded)
	t.Setenv("GUARDIAN_WS_JWT_ISSUER", "")
	t.Setenv("GUARDIAN_WS_JWT_AUDIENCE", testAuthAudience)
	if _, err := newWSAuthorizerFromEnv(); err == nil {
		t.Fatal("expected an error without an issuer")
	}

	t.Setenv("GUARDIAN_WS_JWT_ISSUER", testAuthIssuer)
	t.Setenv("GUARDIAN_WS_JWT_AUDIENCE", "")
	if _, err := newWSAuthorizerFromEnv(); err == nil {
		t.Fatal("expected an error without an audience")
	}
}

func TestNewWSAuthorizerFromEnvRejectsBadKeys(t *testing.T) {
	t.Setenv("GUARDIAN_WS_JWT_ISSUER", testAuthIssuer)
	t.Setenv("GUARDIAN_WS_JWT_AUDIENCE", testAuthAudience)

	t.Setenv("GUARDIAN_WS_JWT_PUBLIC_KEY", "%%%not-base64%%%")
	if _, err := newWSAuthorizerFromEnv(); err == nil {
		t.Fatal("expected an error for a non-base64 key")
	}

	t.Setenv("GUARDIAN_WS_JWT_PUBLIC_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
	if _, err := newWSAuthorizerFromEnv(); err == nil {
		t.Fatal("expected an error for a wrong-size key")
	}
}

func TestNewWSAuthorizerFromEnvBuildsWorkingAuthorizer(t *testing.T) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	t.Setenv("GUARDIAN_WS_JWT_PUBLIC_KEY", base64.StdEncoding.EncodeToString(public))
	t.Setenv("GUARDIAN_WS_JWT_ISSUER", testAuthIssuer)
	t.Setenv("GUARDIAN_WS_JWT_AUDIENCE", testAuthAudience)

	authorizer, err := newWSAuthorizerFromEnv()
	if err != nil {
		t.Fatalf("newWSAuthorizerFromEnv: %v", err)
	}
	if authorizer == nil {
		t.Fatal("expected an authorizer")
	}

	token := signTestToken(t, private, validTestClaims())
	userID, err := authorizer.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("user id = %q, want user-1", userID)
	}
}
