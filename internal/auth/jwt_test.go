package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-min-32-characters"

func TestGenerateAccessToken(t *testing.T) {
	service := NewService(testSecret)

	tokenString, err := service.GenerateAccessToken("user-1", time.Hour)
	require.NoError(t, err)

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)

	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "user-1", claims["id"])
	assert.Equal(t, TokenType, claims["type"])
	assert.NotNil(t, claims["exp"])
}

func TestGenerateAccessTokenRequiresID(t *testing.T) {
	_, err := NewService(testSecret).GenerateAccessToken("", time.Hour)
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	service := NewService(testSecret)

	tokenString, err := service.GenerateAccessToken("user-1", 0)
	require.NoError(t, err)

	identity, err := service.Verify(tokenString)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.ID)
	assert.Equal(t, TokenType, identity.Type)
}

func TestVerifyRejects(t *testing.T) {
	service := NewService(testSecret)

	sign := func(claims jwt.MapClaims, secret string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "invalid-token"},
		{"wrong secret", sign(jwt.MapClaims{"id": "u1", "type": "TOKEN", "exp": future}, "other-secret-key-min-32-characters")},
		{"expired", sign(jwt.MapClaims{"id": "u1", "type": "TOKEN", "exp": time.Now().Add(-time.Minute).Unix()}, testSecret)},
		{"missing id", sign(jwt.MapClaims{"type": "TOKEN", "exp": future}, testSecret)},
		{"numeric id", sign(jwt.MapClaims{"id": 42, "type": "TOKEN", "exp": future}, testSecret)},
		{"wrong type", sign(jwt.MapClaims{"id": "u1", "type": "REFRESH", "exp": future}, testSecret)},
		{"missing type", sign(jwt.MapClaims{"id": "u1", "exp": future}, testSecret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Verify(tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnauthorized), "expected ErrUnauthorized, got %v", err)
		})
	}
}

func TestVerifyRejectsNonHMAC(t *testing.T) {
	service := NewService(testSecret)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"id": "u1", "type": "TOKEN"})
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = service.Verify(s)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestServiceKey(t *testing.T) {
	service := NewService(testSecret)

	key, err := service.GenerateServiceKey()
	require.NoError(t, err)
	assert.NoError(t, service.VerifyServiceKey(key))

	// A service key is not a connection token and vice versa.
	_, err = service.Verify(key)
	assert.ErrorIs(t, err, ErrUnauthorized)

	userToken, err := service.GenerateAccessToken("user-1", time.Hour)
	require.NoError(t, err)
	assert.ErrorIs(t, service.VerifyServiceKey(userToken), ErrUnauthorized)
}

func TestExtractToken(t *testing.T) {
	assert.Equal(t, "abc", ExtractToken("Bearer abc"))
	assert.Equal(t, "abc", ExtractToken("bearer abc"))
	assert.Equal(t, "abc", ExtractToken("abc"))
	assert.Equal(t, "", ExtractToken("  "))
}
