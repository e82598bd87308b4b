// Package auth resolves the caller identity from a bearer credential.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for a missing, malformed, invalid or expired credential.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// SecretGetter loads the HMAC signing secret.
type SecretGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Verifier validates HS256 JWTs and returns the "sub" claim as the user id.
// The secret is loaded from the parameter store on first use; a failed load
// is retried on the next call.
type Verifier struct {
	getter    SecretGetter
	paramName string

	mu     sync.Mutex
	secret []byte
}

// NewVerifier creates a Verifier that reads its secret from paramName.
func NewVerifier(getter SecretGetter, paramName string) (*Verifier, error) {
	if getter == nil {
		return nil, errors.New("auth: secret getter must not be nil")
	}
	paramName = strings.TrimSpace(paramName)
	if paramName == "" {
		return nil, errors.New("auth: secret parameter name must not be empty")
	}
	return &Verifier{getter: getter, paramName: paramName}, nil
}

// NewStaticVerifier creates a Verifier around an already known secret.
func NewStaticVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Resolve extracts the bearer token from an Authorization header value and
// returns the authenticated user id.
func (v *Verifier) Resolve(ctx context.Context, authorization string) (string, error) {
	token, ok := BearerToken(authorization)
	if !ok {
		return "", ErrUnauthenticated
	}
	secret, err := v.loadSecret(ctx)
	if err != nil {
		return "", err
	}
	return verify(token, secret)
}

// BearerToken returns the token from a "Bearer <token>" header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return token, token != ""
}

func (v *Verifier) loadSecret(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.secret) > 0 {
		return v.secret, nil
	}
	if v.getter == nil {
		return nil, errors.New("auth: no signing secret configured")
	}
	raw, err := v.getter.GetParameter(ctx, v.paramName)
	if err != nil {
		return nil, fmt.Errorf("auth: load signing secret: %w", err)
	}
	secret := parseSecret(raw)
	if secret == "" {
		return nil, errors.New("auth: signing secret is empty")
	}
	v.secret = []byte(secret)
	return v.secret, nil
}

// parseSecret accepts either a bare string or the {"token": "..."} JSON shape
// used for the other secrets under the same prefix.
func parseSecret(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(raw), &tp); err == nil {
			return strings.TrimSpace(tp.Token)
		}
	}
	return raw
}

func verify(tokenString string, secret []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return "", ErrUnauthenticated
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrUnauthenticated
	}
	sub, ok := claims["sub"].(string)
	if !ok || strings.TrimSpace(sub) == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrUnauthenticated)
	}
	return sub, nil
}
