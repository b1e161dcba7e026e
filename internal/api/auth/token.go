// Package auth issues and verifies the operator JWTs guarding admin endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	issuer = "channelops"

	// DefaultTokenTTL applies when no TTL is configured
	DefaultTokenTTL = 12 * time.Hour
)

// ErrInvalidCredentials is returned when a login does not match the admin account
var ErrInvalidCredentials = errors.New("invalid username or password")

// Claims identifies an authenticated operator; the subject is the admin id
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Config holds the signing secret and the single admin account
type Config struct {
	Secret       string
	TokenTTL     time.Duration
	Username     string
	PasswordHash string
}

// Authenticator verifies admin logins and the tokens it issues
type Authenticator struct {
	secret       []byte
	ttl          time.Duration
	username     string
	passwordHash []byte
	now          func() time.Time
}

func NewAuthenticator(cfg Config) *Authenticator {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{
		secret:       []byte(cfg.Secret),
		ttl:          ttl,
		username:     cfg.Username,
		passwordHash: []byte(cfg.PasswordHash),
		now:          time.Now,
	}
}

// Login checks the password against the bcrypt hash and returns a signed token
func (a *Authenticator) Login(username, password string) (string, time.Time, error) {
	if username != a.username {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.Issue(username)
}

// Issue signs a token for subject
func (a *Authenticator) Issue(subject string) (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(a.ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Role: "admin",
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses tokenString and returns its claims
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
