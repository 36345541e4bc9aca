package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "batchrun"

// ErrInvalidToken is returned when a continuation token is missing, malformed,
// expired or issued for another job.
var ErrInvalidToken = errors.New("invalid continuation token")

// TokenIssuer signs and verifies continuation tokens: HS256 JWTs whose subject
// is the job ID. A nil *TokenIssuer disables tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. A zero ttl issues tokens that never expire.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("token secret is empty")
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a token that authorizes continuing jobID.
func (ti *TokenIssuer) Issue(jobID string) (string, error) {
	if ti == nil {
		return "", nil
	}
	now := ti.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:   tokenIssuer,
		Subject:  jobID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ti.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ti.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks that token was issued by ti for jobID.
func (ti *TokenIssuer) Verify(token, jobID string) error {
	if ti == nil {
		return nil
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(t *jwt.Token) (any, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm")
		}
		return ti.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(func() time.Time { return ti.now().UTC() }))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject != jobID {
		return fmt.Errorf("%w: wrong job", ErrInvalidToken)
	}
	return nil
}
