package internal

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/segmentio/ksuid"
)

const adminAuthHeader = "Collab-Admin-Auth"

var ErrNoToken = errors.New("no access token")

// UserClaims are the claims of a session access token.
type UserClaims struct {
	UID   int64  `json:"uid"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type (
	TokenSigner   = func(uid int64, ttl time.Duration) (string, error)
	TokenVerifier = func(r *http.Request) (*UserClaims, error)
	RequestSigner = func(r *http.Request, id string) error
	// RequestVerifier returns the connection id a request was signed for, or
	// an empty string.
	RequestVerifier = func(r *http.Request) string
)

func NewTokenSigner(secret []byte) TokenSigner {
	return func(uid int64, ttl time.Duration) (string, error) {
		now := time.Now()
		claims := UserClaims{
			UID: uid,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   fmt.Sprintf("%v", uid),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			},
		}

		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	}
}

// NewTokenVerifier checks the HS256 access token carried by the
// Authorization header or the token query parameter.
func NewTokenVerifier(secret []byte) TokenVerifier {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(r *http.Request) (*UserClaims, error) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token == "" {
			return nil, ErrNoToken
		}

		claims := &UserClaims{}
		_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil {
			return nil, err
		}

		if claims.UID == 0 {
			return nil, fmt.Errorf("token for %q has no uid", claims.Subject)
		}

		return claims, nil
	}
}

// NewRequestSigner signs admin requests that target connection id.
func NewRequestSigner(privateKey ed25519.PrivateKey) RequestSigner {
	return func(r *http.Request, id string) error {
		nonce, err := ksuid.NewRandom()
		if err != nil {
			return err
		}

		msg := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%v_%v", nonce.String(), id)))
		sig := base64.RawURLEncoding.EncodeToString(ed25519.Sign(privateKey, []byte(msg)))

		r.Header.Set(adminAuthHeader, fmt.Sprintf("%v.%v", msg, sig))

		return nil
	}
}

func NewRequestVerifier(publicKey ed25519.PublicKey) RequestVerifier {
	return func(r *http.Request) string {
		parts := strings.Split(r.Header.Get(adminAuthHeader), ".")
		if len(parts) != 2 {
			return ""
		}

		sig, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			return ""
		}

		if !ed25519.Verify(publicKey, []byte(parts[0]), sig) {
			return ""
		}

		msg, err := base64.RawURLEncoding.DecodeString(parts[0])
		if err != nil {
			return ""
		}

		nonceText, id, ok := strings.Cut(string(msg), "_")
		if !ok {
			return ""
		}

		nonce := ksuid.KSUID{}
		if err := nonce.UnmarshalText([]byte(nonceText)); err != nil {
			return ""
		}

		// nonces are only valid for a minute either way
		now := time.Now()
		nt := nonce.Time()
		if nt.Before(now.Add(-1*time.Minute)) || nt.After(now.Add(1*time.Minute)) {
			return ""
		}

		return id
	}
}
