// Package admin creates Loomio administrator accounts directly in the
// application database, producing Devise-compatible password hashes and
// reset tokens.
package admin

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost matches Devise's production stretches.
const DefaultBcryptCost = 12

const passwordLength = 16

// Character classes for generated passwords.
const (
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	digitChars   = "0123456789"
	specialChars = "!@#$%^&*"
)

// GeneratePassword returns a 16-character password drawn from upper and
// lower case letters, digits and !@#$%^&*, with at least one of each.
func GeneratePassword() (string, error) {
	all := upperChars + lowerChars + digitChars + specialChars

	pw := make([]byte, passwordLength)
	for i := range pw {
		c, err := randomChar(all)
		if err != nil {
			return "", err
		}
		pw[i] = c
	}

	for i, class := range []string{upperChars, lowerChars, digitChars, specialChars} {
		c, err := randomChar(class)
		if err != nil {
			return "", err
		}
		pw[i] = c
	}

	// Fisher-Yates so the guaranteed characters are not always in front.
	for i := len(pw) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return "", err
		}
		pw[i], pw[j] = pw[j], pw[i]
	}
	return string(pw), nil
}

// TemporaryPassword returns 64 random hex characters, used for accounts whose
// owner sets a password through the reset link.
func TemporaryPassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashPassword returns the bcrypt hash Devise stores in encrypted_password.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func randomChar(set string) (byte, error) {
	i, err := randomInt(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

func randomInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random number: %w", err)
	}
	return int(v.Int64()), nil
}
