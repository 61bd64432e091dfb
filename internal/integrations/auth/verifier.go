package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Verifier derives a user identity from a bearer JWT. Tokens are issued
// elsewhere; this side only checks the HS256 signature against the shared
// secret held in the paramstore and reads the subject claim.
type Verifier struct {
	getter      Getter
	paramPrefix string

	secretOnce sync.Once
	secret     []byte
	secretErr  error
}

// NewVerifier creates a Verifier backed by the given paramstore Getter.
func NewVerifier(ps Getter, paramPrefix string) (*Verifier, error) {
	if ps == nil {
		return nil, errors.New("auth: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("auth: parameter prefix must not be empty")
	}
	return &Verifier{getter: ps, paramPrefix: paramPrefix}, nil
}

// UserID verifies the Authorization header value and returns the token's
// subject. Any failure means the caller's identity cannot be established.
func (v *Verifier) UserID(ctx context.Context, authorization string) (string, error) {
	raw := strings.TrimSpace(authorization)
	if raw == "" {
		return "", errors.New("auth: missing bearer credential")
	}
	parts := strings.Fields(raw)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("auth: credential is not a bearer token")
	}

	secret, err := v.resolveSecret(ctx)
	if err != nil {
		return "", err
	}

	token, err := jwt.Parse(parts[1], func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("auth: verify token: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("auth: read subject claim: %w", err)
	}
	if strings.TrimSpace(sub) == "" {
		return "", errors.New("auth: token has no subject")
	}
	return sub, nil
}

// resolveSecret fetches the signing secret on the first call and caches it
// for the process lifetime.
func (v *Verifier) resolveSecret(ctx context.Context) ([]byte, error) {
	v.secretOnce.Do(func() {
		raw, err := v.getter.GetParameter(ctx, v.paramPrefix+"/jwt-secret")
		if err != nil {
			v.secretErr = fmt.Errorf("auth: fetch jwt secret: %w", err)
			return
		}
		if strings.TrimSpace(raw) == "" {
			v.secretErr = errors.New("auth: jwt secret is empty")
			return
		}
		v.secret = []byte(raw)
	})
	return v.secret, v.secretErr
}
