package smtp

import (
	"errors"
	"fmt"
	netsmtp "net/smtp"
	"strings"
)

var errUnencrypted = errors.New("unencrypted connection")

func requireTLS(server *netsmtp.ServerInfo) error {
	if server.TLS || isLocalhost(server.Name) {
		return nil
	}
	return errUnencrypted
}

func isLocalhost(name string) bool {
	return name == "localhost" || name == "127.0.0.1" || name == "::1"
}

// loginAuth implements AUTH LOGIN. mail.v2 only picks it when the server
// does not offer PLAIN, so it is set explicitly for the login auth type.
type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(server *netsmtp.ServerInfo) (string, []byte, error) {
	if err := requireTLS(server); err != nil {
		return "", nil, err
	}
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected LOGIN challenge %q", fromServer)
	}
}

// xoauth2Auth implements the XOAUTH2 SASL mechanism with a bearer token.
type xoauth2Auth struct {
	username, token string
}

func (a *xoauth2Auth) Start(server *netsmtp.ServerInfo) (string, []byte, error) {
	if err := requireTLS(server); err != nil {
		return "", nil, err
	}
	resp := "user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"
	return "XOAUTH2", []byte(resp), nil
}

// Next answers the error challenge with an empty line so the server sends
// its final reply.
func (a *xoauth2Auth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}
