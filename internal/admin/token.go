package admin

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters of ActiveSupport::KeyGenerator.
const (
	keyIterations = 1 << 16
	keySize       = 64
)

// ResetPasswordColumn is the users column holding the reset token digest.
const ResetPasswordColumn = "reset_password_token"

// TokenGenerator reproduces Devise::TokenGenerator: raw tokens are handed to
// the user and only their HMAC digest is stored.
type TokenGenerator struct {
	secret  []byte
	keyHash func() hash.Hash
}

// NewTokenGenerator derives keys from secretKeyBase. keyDigest selects the
// PBKDF2 hash of the Rails key generator: "sha256" (Rails 7 defaults) or
// "sha1" (older applications).
func NewTokenGenerator(secretKeyBase, keyDigest string) (*TokenGenerator, error) {
	if secretKeyBase == "" {
		return nil, fmt.Errorf("secret key base is empty")
	}

	var h func() hash.Hash
	switch strings.ToLower(keyDigest) {
	case "", "sha256":
		h = sha256.New
	case "sha1":
		h = sha1.New
	default:
		return nil, fmt.Errorf("unsupported key digest %q", keyDigest)
	}

	return &TokenGenerator{secret: []byte(secretKeyBase), keyHash: h}, nil
}

// Digest returns the hex HMAC-SHA256 of value under the key for column.
func (g *TokenGenerator) Digest(column, value string) string {
	mac := hmac.New(sha256.New, g.key(column))
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Generate returns a fresh raw token and the digest to store for column.
func (g *TokenGenerator) Generate(column string) (raw, digest string, err error) {
	raw, err = FriendlyToken()
	if err != nil {
		return "", "", err
	}
	return raw, g.Digest(column, raw), nil
}

func (g *TokenGenerator) key(column string) []byte {
	return pbkdf2.Key(g.secret, []byte("Devise "+column), keyIterations, keySize, g.keyHash)
}

// friendlyReplacer maps look-alike characters the way Devise.friendly_token does.
var friendlyReplacer = strings.NewReplacer("l", "s", "I", "x", "O", "y", "0", "z")

// FriendlyToken returns a 20-character URL-safe token.
func FriendlyToken() (string, error) {
	b := make([]byte, 15)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return friendlyReplacer.Replace(base64.RawURLEncoding.EncodeToString(b)), nil
}
