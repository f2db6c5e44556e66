package internal

import (
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/ksuid"
)

func TestAuth(t *testing.T) {
	uid, err := ksuid.NewRandom()
	if err != nil {
		t.Fatal(err)
	}

	id := uid.String()

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	signer := NewRequestSigner(privateKey)
	verifier := NewRequestVerifier(publicKey)

	req, err := http.NewRequest(http.MethodDelete, "https://example.com", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := signer(req, id); err != nil {
		t.Fatal(err)
	}

	if id != verifier(req) {
		t.Error("signed id was not verified")
	}

	otherPublicKey, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	if NewRequestVerifier(otherPublicKey)(req) != "" {
		t.Error("request verified with the wrong key")
	}
}

func TestToken(t *testing.T) {
	secret := []byte("secret")
	signer := NewTokenSigner(secret)
	verifier := NewTokenVerifier(secret)

	token, err := signer(42, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodGet, "https://example.com", nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = verifier(req)
	assert.Equal(t, err, ErrNoToken)

	req.Header.Set("Authorization", "Bearer "+token)
	claims, err := verifier(req)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, claims.UID, int64(42))
	assert.Equal(t, claims.Subject, "42")

	query, err := http.NewRequest(http.MethodGet, "https://example.com?token="+token, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifier(query); err != nil {
		t.Fatal(err)
	}

	expired, err := signer(42, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+expired)
	if _, err := verifier(req); err == nil {
		t.Error("expired token verified")
	}

	forged, err := NewTokenSigner([]byte("other"))(42, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+forged)
	if _, err := verifier(req); err == nil {
		t.Error("token with the wrong secret verified")
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, UserClaims{UID: 42}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+none)
	if _, err := verifier(req); err == nil {
		t.Error("unsigned token verified")
	}
}
