package store

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	jwtIssuer   = "storynest"
	jwtAudience = "storynest-api"
)

var jwtLeeway = 30 * time.Second

// JWTSessionStore issues stateless HS256 session tokens. DeleteSession is a
// no-op: tokens simply expire. Deployments that need server-side revocation
// use the Redis store instead.
type JWTSessionStore struct {
	secret []byte
	ttl    time.Duration
}

// NewJWTSessionStore builds a JWT session store from a shared secret.
func NewJWTSessionStore(secret string, ttl time.Duration) *JWTSessionStore {
	return &JWTSessionStore{secret: []byte(secret), ttl: ttl}
}

// NewSession signs a token with the user ID as subject.
func (s *JWTSessionStore) NewSession(userID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    jwtIssuer,
		Audience:  jwt.ClaimStrings{jwtAudience},
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// GetUserIDByToken validates signature and claims and returns the subject.
// Invalid or expired tokens report absence, not an error.
func (s *JWTSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(jwtIssuer),
		jwt.WithAudience(jwtAudience),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return "", false, nil
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", false, nil
	}
	return claims.Subject, true, nil
}

// DeleteSession is a no-op for stateless tokens.
func (s *JWTSessionStore) DeleteSession(string) error {
	return nil
}

// ErrNoSessionSecret is returned when neither a JWT secret nor a Redis
// address is configured.
var ErrNoSessionSecret = errors.New("session store requires jwtSecret or redisAddr")
