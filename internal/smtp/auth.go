// Package smtp accepts inbound mail from the routing layer over SMTP and
// hands each message to the relay.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	errBadEncoding = errors.New("invalid base64 encoding")
	errBadPlain    = errors.New("invalid AUTH PLAIN format")
	errBadCreds    = errors.New("authentication failed")
)

// Authenticator checks SMTP AUTH credentials against a single configured
// account. The routing layer is the only expected client.
type Authenticator struct {
	username []byte
	password []byte
}

// NewAuthenticator creates an Authenticator. Empty credentials disable AUTH.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: []byte(username),
		password: []byte(password),
	}
}

// Enabled reports whether credentials are configured.
func (a *Authenticator) Enabled() bool {
	return len(a.username) > 0 && len(a.password) > 0
}

// VerifyPlain checks an AUTH PLAIN response: base64(authzid\0authcid\0password).
// The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errBadEncoding
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errBadPlain
	}
	return a.check([]byte(parts[1]), []byte(parts[2]))
}

// VerifyLogin checks the base64 username and password collected by the
// AUTH LOGIN challenge exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errBadEncoding
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errBadEncoding
	}
	return a.check(user, pass)
}

func (a *Authenticator) check(user, pass []byte) error {
	userOK := subtle.ConstantTimeCompare(user, a.username) == 1
	passOK := subtle.ConstantTimeCompare(pass, a.password) == 1
	if !userOK || !passOK {
		return errBadCreds
	}
	return nil
}
