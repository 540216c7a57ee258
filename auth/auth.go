// Package auth mints and verifies the bearer tokens of the HTTP
// surface. Tokens are symmetric JWTs carrying the user id as both the
// subject and a user_id claim.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiry is the lifetime of minted tokens when none is configured.
const DefaultExpiry = 30 * time.Minute

// Claims carried by an access token. Verification accepts the user id
// from either field, so tokens from older issuers keep working.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints and verifies access tokens with a shared symmetric key.
type Signer struct {
	key    []byte
	method *jwt.SigningMethodHMAC
	expiry time.Duration
	now    func() time.Time
}

// New returns a Signer. Only HMAC algorithms are supported; an empty
// algorithm selects HS256.
func New(secret, algorithm string, expiry time.Duration) (*Signer, error) {
	if algorithm == "" {
		algorithm = "HS256"
	}
	var method, ok = jwt.GetSigningMethod(algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported jwt algorithm %q", algorithm)
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Signer{
		key:    []byte(secret),
		method: method,
		expiry: expiry,
		now:    time.Now,
	}, nil
}

// Expiry returns the lifetime of minted tokens.
func (s *Signer) Expiry() time.Duration { return s.expiry }

// Mint returns a signed access token naming the user.
func (s *Signer) Mint(userID string) (string, error) {
	var now = s.now()
	var claims = Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	var token, err = jwt.NewWithClaims(s.method, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Verify parses and validates a token and returns the user id it names.
// Expired, tampered, or differently-signed tokens are rejected.
func (s *Signer) Verify(token string) (string, error) {
	var claims Claims
	var _, err = jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{s.method.Alg()}),
	)
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}

	var userID = claims.Subject
	if userID == "" {
		userID = claims.UserID
	}
	if userID == "" {
		return "", fmt.Errorf("token names no user")
	}
	return userID, nil
}
