// Package smtp implements the inbound SMTP listener that local applications
// submit outgoing mail to.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	errAuthFailed    = errors.New("authentication failed")
	errAuthCancelled = errors.New("authentication cancelled")
	errAuthMalformed = errors.New("malformed authentication response")
)

// Authenticator checks SMTP AUTH credentials against the single account
// configured for the listener.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator returns an Authenticator for username and password.
// Authentication is disabled unless both are set.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: username, password: password}
}

func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Check compares both values in constant time so a failed attempt does not
// reveal which one was wrong.
func (a *Authenticator) Check(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password))
	if userOK&passOK != 1 {
		return errAuthFailed
	}
	return nil
}

// decodePlain splits an AUTH PLAIN response, base64("authzid\0authcid\0passwd"),
// into the authentication identity and the password. The authorization
// identity is ignored.
func decodePlain(response string) (identity, password string, err error) {
	raw, err := decodeAuthLine(response)
	if err != nil {
		return "", "", err
	}
	fields := strings.Split(raw, "\x00")
	if len(fields) != 3 || fields[1] == "" {
		return "", "", errAuthMalformed
	}
	return fields[1], fields[2], nil
}

// decodeAuthLine decodes one base64 line of an AUTH exchange. A lone "*"
// cancels the exchange.
func decodeAuthLine(line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "*" {
		return "", errAuthCancelled
	}
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return "", errAuthMalformed
	}
	return string(raw), nil
}

func b64Encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
