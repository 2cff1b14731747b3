// Package auth verifies and issues the bearer tokens presented on relay connections.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, malformed, expired or wrong-type tokens.
var ErrUnauthorized = errors.New("unauthorized")

const (
	// TokenType is the only token type accepted on relay connections.
	TokenType = "TOKEN"
	// ServiceType marks tokens for the operator endpoints (stats, notify).
	ServiceType = "SERVICE"

	// AccessTokenExpiry is the default lifetime of issued access tokens.
	AccessTokenExpiry = 6 * time.Hour
)

// Identity is the authenticated principal decoded from a token.
type Identity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type Service struct {
	jwtSecret string
}

func NewService(jwtSecret string) *Service {
	return &Service{jwtSecret: jwtSecret}
}

// GenerateAccessToken signs an HS256 token for identityID. A ttl <= 0 uses AccessTokenExpiry.
func (s *Service) GenerateAccessToken(identityID string, ttl time.Duration) (string, error) {
	if identityID == "" {
		return "", fmt.Errorf("identity id required")
	}
	if ttl <= 0 {
		ttl = AccessTokenExpiry
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"id":   identityID,
		"type": TokenType,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return s.sign(claims)
}

// GenerateServiceKey signs a non-expiring operator key.
func (s *Service) GenerateServiceKey() (string, error) {
	claims := jwt.MapClaims{
		"id":   "service",
		"type": ServiceType,
		"iat":  time.Now().Unix(),
	}
	return s.sign(claims)
}

func (s *Service) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// Verify validates a connection token and returns its identity. The token must
// carry a non-empty string id and type TOKEN.
func (s *Service) Verify(tokenString string) (Identity, error) {
	return s.verifyType(tokenString, TokenType)
}

// VerifyServiceKey validates an operator key.
func (s *Service) VerifyServiceKey(tokenString string) error {
	_, err := s.verifyType(tokenString, ServiceType)
	return err
}

func (s *Service) verifyType(tokenString, wantType string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: no token provided", ErrUnauthorized)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: token is invalid or has expired: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}

	id, _ := claims["id"].(string)
	if id == "" {
		return Identity{}, fmt.Errorf("%w: token has no identity", ErrUnauthorized)
	}
	typ, _ := claims["type"].(string)
	if typ != wantType {
		return Identity{}, fmt.Errorf("%w: invalid token type %q", ErrUnauthorized, typ)
	}

	return Identity{ID: id, Type: typ}, nil
}

// ExtractToken accepts "Bearer <token>" or a bare token, as handshakes carry either.
func ExtractToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return header
}
