// Package mailgun implements a Transport that sends mail through the
// Mailgun HTTP API.
package mailgun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/transport"
)

// Slug identifies this transport in the options.
const Slug = "mailgun_api"

const (
	host     = "api.mailgun.net"
	euHost   = "api.eu.mailgun.net"
	port     = 443
	priority = 8000
)

// Transport sends mail via POST /v3/{domain}/messages.
type Transport struct {
	transport.Readiness

	options transport.OptionsSource
	client  *resty.Client

	// baseURL replaces https://{Hostname()} when set.
	baseURL string
}

// New creates a Mailgun transport reading its settings from options.
func New(options transport.OptionsSource) *Transport {
	client := resty.New()
	client.SetRetryCount(0)
	return &Transport{options: options, client: client}
}

// NewWithClient creates a Mailgun transport with a custom client and base
// URL, used for testing.
func NewWithClient(options transport.OptionsSource, client *resty.Client, baseURL string) *Transport {
	client.SetRetryCount(0)
	return &Transport{
		options: options,
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (t *Transport) Slug() string     { return Slug }
func (t *Transport) Name() string     { return "Mailgun API" }
func (t *Transport) Protocol() string { return "https" }
func (t *Transport) Port() int        { return port }

// Hostname is the regional API host.
func (t *Transport) Hostname() string {
	if t.options.Get().Mailgun.EURegion {
		return euHost
	}
	return host
}

// IsConfiguredAndReady requires an API key, a domain and a sender address.
func (t *Transport) IsConfiguredAndReady() bool {
	opts := t.options.Get()
	present := opts.Mailgun.APIKey != "" && opts.Mailgun.Domain != "" && opts.SenderConfigured()
	return t.Ready(present)
}

// Validate lists every missing setting.
func (t *Transport) Validate() []string {
	opts := t.options.Get()
	var problems []string
	if opts.Mailgun.APIKey == "" {
		problems = append(problems, "API Key can not be empty.")
	}
	if opts.Mailgun.Domain == "" {
		problems = append(problems, "Domain Name can not be empty.")
	}
	if !opts.SenderConfigured() {
		problems = append(problems, "Message From Address can not be empty.")
	}
	return t.Record(problems)
}

// ConfigurationBid recommends Mailgun only for its own API endpoint.
func (t *Transport) ConfigurationBid(candidateHost string, candidatePort int, _ string) transport.Bid {
	bid := transport.Bid{
		Slug:      Slug,
		Label:     t.Name(),
		AuthItems: transport.APIKeyAuthItems(),
	}
	if candidateHost == t.Hostname() && candidatePort == port {
		bid.Priority = priority
		bid.Message = fmt.Sprintf("mail-relay recommends the %s to host %s on port %d.", t.Name(), t.Hostname(), port)
	}
	return bid
}

// Settings describes the authentication section.
func (t *Transport) Settings() transport.SettingsSection {
	opts := t.options.Get()
	region := "false"
	if opts.Mailgun.EURegion {
		region = "true"
	}
	return transport.SettingsSection{
		ID:    "mailgun_auth",
		Title: "Authentication",
		Help:  "Create an account at https://mailgun.com and enter an API key from https://app.mailgun.com/app/domains/ below.",
		Fields: []transport.Field{
			{ID: "mailgun_api_key", Label: "API Key", Type: transport.FieldPassword, Value: config.Obfuscate(opts.Mailgun.APIKey), Required: true, Reveal: true},
			{ID: "mailgun_domain_name", Label: "Domain Name", Type: transport.FieldText, Value: opts.Mailgun.Domain, Required: true},
			{ID: "mailgun_region", Label: "Mailgun Europe Region?", Type: transport.FieldCheckbox, Value: region},
		},
	}
}

// Deliver posts msg as a multipart form. Mailgun queues the message on 2xx.
func (t *Transport) Deliver(ctx context.Context, msg *email.Email) error {
	opts := t.options.Get()
	if opts.Mailgun.APIKey == "" || opts.Mailgun.Domain == "" {
		return &transport.DeliveryError{Slug: Slug, Reason: "transport is not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectionTimeout+opts.ReadTimeout)
	defer cancel()

	req := t.client.R().
		SetContext(ctx).
		SetBasicAuth("api", opts.Mailgun.APIKey).
		SetMultipartFormData(map[string]string{
			"from":    formatAddress(msg.FromName, msg.From),
			"subject": msg.Subject,
		}).
		SetFormDataFromValues(formValues(msg))

	for _, att := range msg.Attachments {
		req.SetMultipartField("attachment", att.Filename, att.ContentType, bytes.NewReader(att.Content))
	}

	resp, err := req.Post(t.endpoint(opts.Mailgun.Domain))
	if err != nil {
		return &transport.DeliveryError{
			Slug:      Slug,
			Reason:    "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	if resp.IsSuccess() {
		return nil
	}

	return &transport.DeliveryError{
		Slug:       Slug,
		Reason:     errorMessage(resp.Body()),
		StatusCode: resp.StatusCode(),
		Transient:  transport.ClassifyStatus(resp.StatusCode()),
	}
}

func (t *Transport) endpoint(domain string) string {
	base := t.baseURL
	if base == "" {
		base = "https://" + t.Hostname()
	}
	return fmt.Sprintf("%s/v3/%s/messages", base, url.PathEscape(domain))
}

func formValues(msg *email.Email) url.Values {
	v := url.Values{}
	for _, to := range msg.To {
		v.Add("to", to)
	}
	for _, cc := range msg.Cc {
		v.Add("cc", cc)
	}
	for _, bcc := range msg.Bcc {
		v.Add("bcc", bcc)
	}
	if msg.TextBody != "" {
		v.Set("text", msg.TextBody)
	}
	if msg.HTMLBody != "" {
		v.Set("html", msg.HTMLBody)
	}
	if msg.ReplyTo != "" {
		v.Set("h:Reply-To", msg.ReplyTo)
	}
	if msg.MessageID != "" {
		v.Set("h:Message-Id", msg.MessageID)
	}
	for name, value := range msg.Headers {
		v.Set("h:"+name, value)
	}
	return v
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

// errorMessage extracts Mailgun's {"message": "..."} body, falling back to
// the raw text.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return "request rejected"
}
