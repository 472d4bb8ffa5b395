package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// ScopeBanking lets a user converse, read their account and manage
	// beneficiaries.
	ScopeBanking = "banking"
	// ScopeBiometricAttest lets a trusted service post a face verdict it
	// computed itself.
	ScopeBiometricAttest = "biometric:attest"

	DefaultTokenTTL = 7 * 24 * time.Hour
)

var (
	ErrMissingSecret = errors.New("auth: signing secret not configured")
	ErrInvalidToken  = errors.New("auth: invalid token")
)

// Claims are carried by user access tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Scopes []string `json:"scopes,omitempty"`
}

// TokenIssuer signs HS256 user tokens.
type TokenIssuer struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

func (i *TokenIssuer) ttl() time.Duration {
	if i.TTL <= 0 {
		return DefaultTokenTTL
	}
	return i.TTL
}

func (i *TokenIssuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue returns a signed token for u and its lifetime.
func (i *TokenIssuer) Issue(u *User) (string, time.Duration, error) {
	if len(i.Secret) == 0 {
		return "", 0, ErrMissingSecret
	}

	now := i.now()
	ttl := i.ttl()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.Issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID: u.ID,
		Email:  u.Email,
		Scopes: u.Scopes,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, ttl, nil
}

// Validator checks tokens produced by a TokenIssuer with the same secret.
type Validator struct {
	Secret []byte
	Issuer string
}

func (v *Validator) Validate(tokenString string) (*Claims, error) {
	if len(v.Secret) == 0 {
		return nil, ErrMissingSecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
