package tenant

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// GenerateAPIKey mints a new tenant API key. Only the hash is stored.
func GenerateAPIKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return "be_live_" + hex.EncodeToString(b)
}

// APIKeyPrefix returns the displayable prefix of a key.
func APIKeyPrefix(key string) string {
	if len(key) < 12 {
		return key
	}
	return key[:12]
}

// HashAPIKey is the stored form of an API key.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// IssueToken signs a service token for the tenant, valid for ttl.
func (r *Registry) IssueToken(tenantID string, ttl time.Duration) (string, error) {
	if _, err := r.Get(tenantID); err != nil {
		return "", err
	}
	now := time.Now()
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": tenantID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(r.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign tenant token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses a service token and returns the tenant id.
func (r *Registry) ValidateToken(tokenStr string) (string, error) {
	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("token missing sub claim")
	}
	return sub, nil
}
