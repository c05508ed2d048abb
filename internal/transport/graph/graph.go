// Package graph implements the office365_api transport, which sends mail
// through the Microsoft Graph sendMail endpoint.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/transport"
)

// Slug identifies this transport in the options.
const Slug = "office365_api"

const (
	host     = "graph.microsoft.com"
	port     = 443
	priority = 8000

	defaultGraphURL = "https://graph.microsoft.com"
	defaultTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

	// httpTimeout caps any single round trip, whatever the caller's context.
	httpTimeout = 2 * time.Minute
)

// Transport sends emails via the Microsoft Graph sendMail endpoint using
// OAuth2 client credentials.
type Transport struct {
	transport.Readiness

	options  transport.OptionsSource
	graphURL string
	auth     *authClients
}

// New creates a Graph transport reading its settings from options.
func New(options transport.OptionsSource) *Transport {
	return newWithOverrides(options, defaultGraphURL, defaultTokenURL, &http.Client{Timeout: httpTimeout})
}

// newWithOverrides creates a Transport with custom URLs and HTTP client,
// used for testing. tokenURL takes the tenant id as its only verb.
func newWithOverrides(options transport.OptionsSource, graphURL, tokenURL string, client *http.Client) *Transport {
	return &Transport{
		options:  options,
		graphURL: strings.TrimRight(graphURL, "/"),
		auth:     newAuthClients(tokenURL, client),
	}
}

func (t *Transport) Slug() string     { return Slug }
func (t *Transport) Name() string     { return "Microsoft 365 API" }
func (t *Transport) Protocol() string { return "https" }
func (t *Transport) Hostname() string { return host }
func (t *Transport) Port() int        { return port }

func (t *Transport) IsConfiguredAndReady() bool {
	opts := t.options.Get()
	g := opts.Graph
	return t.Ready(g.TenantID != "" && g.ClientID != "" && g.ClientSecret != "" && opts.SenderConfigured())
}

// Validate lists every missing setting.
func (t *Transport) Validate() []string {
	opts := t.options.Get()
	var problems []string
	if opts.Graph.TenantID == "" {
		problems = append(problems, "Tenant ID can not be empty.")
	}
	if opts.Graph.ClientID == "" {
		problems = append(problems, "Client ID can not be empty.")
	}
	if opts.Graph.ClientSecret == "" {
		problems = append(problems, "Client Secret can not be empty.")
	}
	if !opts.SenderConfigured() {
		problems = append(problems, "Message From Address can not be empty.")
	}
	return t.Record(problems)
}

func (t *Transport) ConfigurationBid(candidateHost string, candidatePort int, _ string) transport.Bid {
	bid := transport.Bid{Slug: Slug, Label: t.Name(), AuthItems: transport.APIKeyAuthItems()}
	if candidateHost == host && candidatePort == port {
		bid.Priority = priority
		bid.Message = fmt.Sprintf("mail-relay recommends the %s to host %s on port %d.", t.Name(), host, port)
	}
	return bid
}

func (t *Transport) Settings() transport.SettingsSection {
	g := t.options.Get().Graph
	return transport.SettingsSection{
		ID:    "office365_auth",
		Title: "Authentication",
		Help:  "Register an application in the Microsoft Entra admin center with the Mail.Send application permission.",
		Fields: []transport.Field{
			{ID: "office365_tenant_id", Label: "Tenant ID", Type: transport.FieldText, Value: g.TenantID, Required: true},
			{ID: "office365_client_id", Label: "Client ID", Type: transport.FieldText, Value: g.ClientID, Required: true},
			{ID: "office365_client_secret", Label: "Client Secret", Type: transport.FieldPassword, Value: config.Obfuscate(g.ClientSecret), Required: true, Reveal: true},
		},
	}
}

// Deliver posts msg to /v1.0/users/{sender}/sendMail. HTTP 202 is success.
func (t *Transport) Deliver(ctx context.Context, msg *email.Email) error {
	opts := t.options.Get()
	mailbox := opts.Sender.Email
	if mailbox == "" {
		mailbox = msg.From
	}

	bodyJSON, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return &transport.DeliveryError{Slug: Slug, Reason: "failed to marshal request body", Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectionTimeout+opts.ReadTimeout)
	defer cancel()

	token, err := t.auth.get(ctx, opts.Graph)
	if err != nil {
		return requestError(err)
	}

	endpoint := fmt.Sprintf("%s/v1.0/users/%s/sendMail", t.graphURL, url.PathEscape(mailbox))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return &transport.DeliveryError{Slug: Slug, Reason: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := t.auth.base.Do(req)
	if err != nil {
		return requestError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	message := strings.TrimSpace(string(body))
	var graphErrResp errorEnvelope
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		message = graphErrResp.Error.Message
	}

	return &transport.DeliveryError{
		Slug:       Slug,
		Reason:     "Graph API error: " + message,
		StatusCode: resp.StatusCode,
		Transient:  transport.ClassifyStatus(resp.StatusCode),
	}
}

// requestError classifies a failed round trip. Token endpoint rejections
// are permanent; network failures are transient.
func requestError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &transport.DeliveryError{
			Slug:       Slug,
			Reason:     "token request failed",
			StatusCode: status,
			Transient:  transport.ClassifyStatus(status),
			Cause:      err,
		}
	}
	reason := "HTTP request failed"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "HTTP request timed out"
	}
	return &transport.DeliveryError{
		Slug:      Slug,
		Reason:    reason,
		Transient: !errors.Is(err, context.Canceled),
		Cause:     err,
	}
}
