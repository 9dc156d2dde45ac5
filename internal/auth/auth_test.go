package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKid = "test-key-1"

// jwksServer serves a single-key JWKS for a generated RSA key.
func jwksServer(t *testing.T, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
	body := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":%q,"use":"sig","alg":"RS256","n":%q,"e":%q}]}`,
		testKid, n, e)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := jwksServer(t, key)
	a := New(true, srv.URL)

	token := signToken(t, key, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	p, err := a.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Subject != "user-42" || p.Anonymous {
		t.Fatalf("principal = %+v", p)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := jwksServer(t, key)
	a := New(true, srv.URL)

	token := signToken(t, key, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})

	if _, err := a.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: got %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := jwksServer(t, key)
	a := New(true, srv.URL)

	token := signToken(t, otherKey, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	if _, err := a.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("forged token: got %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRequiresSubject(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := jwksServer(t, key)
	a := New(true, srv.URL)

	token := signToken(t, key, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	if _, err := a.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("subjectless token: got %v, want ErrInvalidToken", err)
	}
}

func TestVerifyDisabledIsAnonymous(t *testing.T) {
	a := New(false, "")
	p, err := a.Verify(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !p.Anonymous || p.Subject != "" {
		t.Fatalf("principal = %+v", p)
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/scanner?token=abc", nil)
	token, err := ExtractToken(r)
	if err != nil || token != "abc" {
		t.Fatalf("ExtractToken = %q, %v", token, err)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws/scanner", nil)
	if _, err := ExtractToken(r); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("missing token: got %v, want ErrMissingToken", err)
	}
}
