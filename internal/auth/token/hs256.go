// Package token signs and verifies the HS256 service tokens a lobby presents
// to the store.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultIssuer = "arcade"

// Claims identify a service principal.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

type Manager struct {
	secret []byte
	issuer string
}

func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret), issuer: DefaultIssuer}
}

// Sign issues a token for subject. ttl <= 0 means no expiry.
func (m *Manager) Sign(subject string, roles []string, ttl time.Duration) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("token: empty secret")
	}
	now := time.Now()
	c := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   m.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
}

// Verify checks signature, issuer and expiry and returns subject and roles.
func (m *Manager) Verify(tok string) (string, []string, error) {
	if len(m.secret) == 0 {
		return "", nil, errors.New("token: empty secret")
	}
	var c Claims
	_, err := jwt.ParseWithClaims(tok, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", nil, err
	}
	return c.Subject, c.Roles, nil
}
