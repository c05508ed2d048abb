// Package smtp implements the transport that relays mail to an upstream
// SMTP server.
package smtp

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	netsmtp "net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"gopkg.in/mail.v2"

	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/scribe"
	relaytls "github.com/shineum/mail-relay/internal/tls"
	"github.com/shineum/mail-relay/internal/transport"
)

// Slug identifies this transport in the options.
const Slug = "smtp"

const oauthBonus = 1000

// portPriority ranks the submission ports the wizard may discover.
var portPriority = map[int]int{
	587: 300,
	465: 200,
	25:  100,
}

// Transport relays messages to the configured SMTP server.
type Transport struct {
	transport.Readiness

	options transport.OptionsSource
	roots   *x509.CertPool
}

// New creates an SMTP transport that verifies servers against the system pool.
func New(options transport.OptionsSource) *Transport {
	return &Transport{options: options}
}

// NewWithRoots creates an SMTP transport that trusts roots instead of the
// system pool.
func NewWithRoots(options transport.OptionsSource, roots *x509.CertPool) *Transport {
	return &Transport{options: options, roots: roots}
}

func (t *Transport) Slug() string { return Slug }
func (t *Transport) Name() string { return "SMTP" }

func (t *Transport) Protocol() string {
	if t.options.Get().SMTP.Security == config.SecuritySMTPS {
		return "smtps"
	}
	return "smtp"
}

func (t *Transport) Hostname() string { return t.options.Get().SMTP.Host }
func (t *Transport) Port() int        { return t.options.Get().SMTP.Port }

func (t *Transport) IsConfiguredAndReady() bool {
	opts := t.options.Get()
	s := opts.SMTP
	ok := s.Host != "" && s.Port > 0 && opts.SenderConfigured()
	if s.Auth != config.AuthNone {
		ok = ok && s.Username != "" && s.Password != ""
	}
	return t.Ready(ok)
}

func (t *Transport) Validate() []string {
	opts := t.options.Get()
	s := opts.SMTP
	var problems []string
	if s.Host == "" {
		problems = append(problems, "Outgoing Mail Server Hostname can not be empty.")
	}
	if s.Port <= 0 {
		problems = append(problems, "Outgoing Mail Server Port can not be empty.")
	}
	if s.Auth != config.AuthNone {
		if s.Username == "" {
			problems = append(problems, "Username can not be empty.")
		}
		if s.Password == "" {
			problems = append(problems, "Password can not be empty.")
		}
	}
	if s.Auth == config.AuthOAuth2 && !scribe.For(s.Host, opts.AdminURL).IsOAuthHost() {
		problems = append(problems, "The Outgoing Mail Server does not support OAuth 2.0.")
	}
	if !opts.SenderConfigured() {
		problems = append(problems, "Message From Address can not be empty.")
	}
	return t.Record(problems)
}

// ConfigurationBid prefers submission ports and adds a bonus when the host
// is an OAuth provider contacted on its OAuth port.
func (t *Transport) ConfigurationBid(host string, port int, authOverride string) transport.Bid {
	s := scribe.For(host, t.options.Get().AdminURL)
	bid := transport.Bid{
		Slug:      Slug,
		Label:     t.Name(),
		Hostname:  host,
		AuthItems: authItems(s, authOverride),
	}

	if host == "" || authOverride == transport.AuthAPIKey {
		return bid
	}
	if authOverride == config.AuthOAuth2 && !s.IsOAuthHost() {
		return bid
	}

	bid.Priority = portPriority[port]
	if bid.Priority == 0 {
		return bid
	}
	if s.IsOAuthHost() && port == s.OAuthPort() && authOverride != config.AuthPlain && authOverride != config.AuthLogin {
		bid.Priority += oauthBonus
		bid.Label = fmt.Sprintf("%s (%s OAuth 2.0)", t.Name(), s.ServiceName())
		bid.Message = fmt.Sprintf("mail-relay recommends OAuth 2.0 with %s on port %d.", s.OwnerName(), port)
	}
	return bid
}

func authItems(s scribe.Scribe, override string) []transport.AuthItem {
	selected := override
	if selected == "" || selected == transport.AuthAPIKey {
		selected = config.AuthPlain
		if s.IsOAuthHost() {
			selected = config.AuthOAuth2
		}
	}

	items := []transport.AuthItem{
		{Name: "None", Value: config.AuthNone},
		{Name: "Plain", Value: config.AuthPlain},
		{Name: "Login", Value: config.AuthLogin},
	}
	if s.IsOAuthHost() {
		items = append(items, transport.AuthItem{Name: "OAuth 2.0", Value: config.AuthOAuth2})
	}
	for i := range items {
		items[i].Selected = items[i].Value == selected
	}
	return items
}

func (t *Transport) Settings() transport.SettingsSection {
	opts := t.options.Get()
	s := opts.SMTP
	return transport.SettingsSection{
		ID:    "smtp_settings",
		Title: "Outgoing Mail Server",
		Help:  scribe.For(s.Host, opts.AdminURL).OAuthHelp(),
		Fields: []transport.Field{
			{ID: "smtp_host", Label: "Outgoing Mail Server Hostname", Type: transport.FieldText, Value: s.Host, Required: true},
			{ID: "smtp_port", Label: "Outgoing Mail Server Port", Type: transport.FieldText, Value: strconv.Itoa(s.Port), Required: true},
			{ID: "smtp_security", Label: "Security", Type: transport.FieldSelect, Value: s.Security,
				Choices: []string{config.SecurityNone, config.SecuritySTARTTLS, config.SecuritySMTPS}},
			{ID: "smtp_auth", Label: "Authentication", Type: transport.FieldSelect, Value: s.Auth,
				Choices: []string{config.AuthNone, config.AuthPlain, config.AuthLogin, config.AuthOAuth2}},
			{ID: "smtp_username", Label: "Username", Type: transport.FieldText, Value: s.Username},
			{ID: "smtp_password", Label: "Password", Type: transport.FieldPassword, Value: config.Obfuscate(s.Password), Reveal: true},
		},
	}
}

// Deliver opens one SMTP session and sends msg. For OAuth 2.0 the password
// field holds the access token.
func (t *Transport) Deliver(ctx context.Context, msg *email.Email) error {
	opts := t.options.Get()
	if opts.SMTP.Host == "" || opts.SMTP.Port <= 0 {
		return &transport.DeliveryError{Slug: Slug, Reason: "transport is not configured"}
	}
	if err := ctx.Err(); err != nil {
		return &transport.DeliveryError{Slug: Slug, Reason: "delivery cancelled", Transient: true, Cause: err}
	}

	d := t.dialer(opts)
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d.Timeout {
			d.Timeout = left
		}
	}

	if err := d.DialAndSend(buildMessage(opts, msg)); err != nil {
		return deliveryError(err)
	}
	return nil
}

func (t *Transport) dialer(opts config.Options) *mail.Dialer {
	s := opts.SMTP
	d := mail.NewDialer(s.Host, s.Port, s.Username, s.Password)
	// The deadline covers the whole session, not just the dial.
	d.Timeout = opts.ConnectionTimeout + opts.ReadTimeout
	d.TLSConfig = relaytls.ClientConfig(s.Host, t.roots)

	switch s.Security {
	case config.SecuritySMTPS:
		d.SSL = true
	case config.SecuritySTARTTLS:
		d.SSL = false
		d.StartTLSPolicy = mail.MandatoryStartTLS
	default:
		d.SSL = false
		d.StartTLSPolicy = mail.NoStartTLS
	}

	switch s.Auth {
	case config.AuthNone:
		d.Username, d.Password = "", ""
	case config.AuthLogin:
		d.Auth = &loginAuth{username: s.Username, password: s.Password}
	case config.AuthOAuth2:
		d.Auth = &xoauth2Auth{username: s.Username, token: s.Password}
	default:
		d.Auth = netsmtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	return d
}

// buildMessage fills in the configured sender where msg has none and adds a
// Sender header when the envelope sender differs from From.
func buildMessage(opts config.Options, msg *email.Email) *mail.Message {
	from := msg.From
	if from == "" {
		from = opts.Sender.Email
	}
	name := msg.FromName
	if name == "" && from == opts.Sender.Email {
		name = opts.Sender.Name
	}

	m := msg.Compose(from, name, true)
	if env := opts.Sender.EnvelopeSender; env != "" && env != from {
		m.SetHeader("Sender", env)
	}
	return m
}

// deliveryError classifies a failed session. 4xx replies and network
// failures are transient; 5xx replies and TLS or auth setup failures are
// permanent.
func deliveryError(err error) error {
	cause := err
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && sendErr.Cause != nil {
		cause = sendErr.Cause
	}

	de := &transport.DeliveryError{Slug: Slug, Reason: "SMTP session failed", Cause: err}

	var protoErr *textproto.Error
	var netErr net.Error
	switch {
	case errors.As(cause, &protoErr):
		de.Reason = fmt.Sprintf("server replied %d %s", protoErr.Code, protoErr.Msg)
		de.Transient = protoErr.Code >= 400 && protoErr.Code < 500
	case errors.As(cause, &netErr):
		de.Reason = "connection failed"
		de.Transient = true
	case errors.Is(cause, errUnencrypted):
		de.Reason = "refusing to send credentials over an unencrypted connection"
	}
	return de
}
