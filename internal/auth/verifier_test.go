package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetarchiver/api/internal/config"
)

const testIssuer = "https://id.example.com"

func hmacKeyfunc(*jwt.Token) (interface{}, error) {
	return []byte("provider-key"), nil
}

func providerToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("provider-key"))
	require.NoError(t, err)
	return token
}

func TestJWKSVerifier_SubjectBecomesUserID(t *testing.T) {
	v := newJWKSVerifier(hmacKeyfunc, testIssuer, "")
	token := providerToken(t, jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	claims, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.UserID)
}

func TestJWKSVerifier_Rejects(t *testing.T) {
	v := newJWKSVerifier(hmacKeyfunc, testIssuer, "archiver")
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name   string
		claims jwt.RegisteredClaims
	}{
		{"wrong issuer", jwt.RegisteredClaims{Issuer: "https://other.example.com", Audience: jwt.ClaimStrings{"archiver"}, ExpiresAt: exp}},
		{"wrong audience", jwt.RegisteredClaims{Issuer: testIssuer, Audience: jwt.ClaimStrings{"someone-else"}, ExpiresAt: exp}},
		{"no expiry", jwt.RegisteredClaims{Issuer: testIssuer, Audience: jwt.ClaimStrings{"archiver"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(providerToken(t, tt.claims))
			assert.Error(t, err)
		})
	}

	_, err := v.Validate(providerToken(t, jwt.RegisteredClaims{Issuer: testIssuer, Audience: jwt.ClaimStrings{"archiver"}, ExpiresAt: exp}))
	assert.NoError(t, err)
}

func TestDiscoverJWKSURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issuer":"x","jwks_uri":"https://id.example.com/keys"}`))
	}))
	defer srv.Close()

	u, err := discoverJWKSURL(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://id.example.com/keys", u)

	_, err = discoverJWKSURL(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}

func TestNewJWKSVerifier_RequiresIssuer(t *testing.T) {
	_, err := NewJWKSVerifier(context.Background(), &config.OIDCConfig{})
	assert.Error(t, err)
}

func TestHMACVerifier(t *testing.T) {
	token, err := IssueToken("user-1", "", "secret", time.Hour)
	require.NoError(t, err)

	claims, err := NewHMACVerifier("secret").Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}
