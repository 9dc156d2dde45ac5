package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when no token is present on the request.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned for malformed, expired, or unverifiable tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims the gateway cares about.
type Claims struct {
	jwt.RegisteredClaims
}

// Principal identifies an authenticated connection.
type Principal struct {
	Subject   string
	Anonymous bool
}

// Authenticator verifies JWTs against a remote JWKS.
// The JWKS fetch is lazy so an unreachable issuer degrades to rejected
// connections instead of a crash at startup.
type Authenticator struct {
	enabled bool
	jwksURL string

	mu sync.Mutex
	kf keyfunc.Keyfunc
}

// New creates an Authenticator. When enabled is false, Verify returns an
// anonymous principal and ownership checks are skipped by callers.
func New(enabled bool, jwksURL string) *Authenticator {
	return &Authenticator{enabled: enabled, jwksURL: jwksURL}
}

// Enabled reports whether JWT verification is active.
func (a *Authenticator) Enabled() bool { return a.enabled }

// ExtractToken pulls the JWT from the "token" query parameter.
func ExtractToken(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Verify validates a JWT and returns the authenticated principal.
func (a *Authenticator) Verify(ctx context.Context, tokenString string) (Principal, error) {
	if !a.enabled {
		return Principal{Anonymous: true}, nil
	}
	if tokenString == "" {
		return Principal{}, ErrMissingToken
	}

	kf, err := a.loadKeyfunc()
	if err != nil {
		log.Printf("[auth] WARNING: jwks fetch failed: %v", err)
		return Principal{}, fmt.Errorf("%w: jwks unavailable", ErrInvalidToken)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, kf.Keyfunc,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256"}))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Principal{Subject: claims.Subject}, nil
}

// loadKeyfunc returns the cached JWKS keyfunc, fetching it on first use.
// keyfunc/v3 refreshes keys in the background after the initial fetch,
// which covers issuer key rotation. The background context keeps the
// refresh goroutine alive beyond the triggering request.
func (a *Authenticator) loadKeyfunc() (keyfunc.Keyfunc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.kf != nil {
		return a.kf, nil
	}
	kf, err := keyfunc.NewDefaultCtx(context.Background(), []string{a.jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks %s: %w", a.jwksURL, err)
	}
	a.kf = kf
	return kf, nil
}
