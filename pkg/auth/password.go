// Package auth covers password hashing and generated child credentials.
// Credential verification against a token stays with the session stores.
package auth

import (
	"crypto/rand"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword validates a password against a stored bcrypt hash.
func CheckPassword(password, stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

const (
	tempCredentialLength   = 12
	tempCredentialAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewTempCredential generates the 12-character letters+digits password
// handed to a parent when a child account is created. It is shown once and
// only the hash is stored.
func NewTempCredential() (string, error) {
	buf := make([]byte, tempCredentialLength)
	max := big.NewInt(int64(len(tempCredentialAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = tempCredentialAlphabet[n.Int64()]
	}
	return string(buf), nil
}
