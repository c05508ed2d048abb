// Package scribe provides the wording the setup wizard shows for an
// outgoing mail server: OAuth 2.0 labels, developer portal links and the
// port and encryption the provider expects for OAuth.
package scribe

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shineum/mail-relay/internal/config"
)

// Provider identifies the mail service behind a hostname.
type Provider int

const (
	NonOAuth Provider = iota
	Google
	Microsoft
	Yahoo
)

func (p Provider) String() string {
	switch p {
	case Google:
		return "google"
	case Microsoft:
		return "microsoft"
	case Yahoo:
		return "yahoo"
	default:
		return "none"
	}
}

// CallbackPath is appended to the admin URL to form the OAuth redirect URI.
const CallbackPath = "/oauth2/callback"

// ErrNoAdminURL is returned when a callback is requested for an OAuth host
// but the admin URL is missing or has no host.
var ErrNoAdminURL = errors.New("admin URL is not set")

var suffixes = []struct {
	suffix   string
	provider Provider
}{
	{"gmail.com", Google},
	{"googleapis.com", Google},
	{"live.com", Microsoft},
	{"outlook.com", Microsoft},
	{"office365.com", Microsoft},
	{"yahoo.com", Yahoo},
}

type texts struct {
	owner, service, description string
	portalName, portalURL       string
	callbackURLLabel            string
	callbackDomainLabel         string
	oauthPort                   int
	encryption                  string
}

var table = map[Provider]texts{
	Google: {
		owner:               "Google",
		service:             "Gmail",
		description:         "a Client ID for web application",
		portalName:          "Google Developers Console Gmail Wizard",
		portalURL:           "https://www.google.com/accounts/Logout?continue=https://console.developers.google.com/start/api?id=gmail",
		callbackURLLabel:    "Authorized redirect URI",
		callbackDomainLabel: "Authorized JavaScript origins",
		oauthPort:           465,
		encryption:          config.SecuritySMTPS,
	},
	Microsoft: {
		owner:               "Microsoft",
		service:             "Outlook.com",
		description:         "an Application",
		portalName:          "Microsoft Developer Center",
		portalURL:           "https://account.live.com/developers/applications/index",
		callbackURLLabel:    "Redirect URL",
		callbackDomainLabel: "Root Domain",
		oauthPort:           587,
		encryption:          config.SecuritySTARTTLS,
	},
	Yahoo: {
		owner:               "Yahoo",
		service:             "Yahoo Mail",
		description:         "an Application",
		portalName:          "Yahoo Developer Network",
		portalURL:           "https://developer.yahoo.com/apps/",
		callbackURLLabel:    "Home Page URL",
		callbackDomainLabel: "Callback Domain",
		oauthPort:           465,
		encryption:          config.SecuritySMTPS,
	},
	NonOAuth: {
		callbackURLLabel:    "Redirect URI",
		callbackDomainLabel: "Website Domain",
	},
}

// Scribe answers wording questions for one outgoing mail server.
type Scribe struct {
	provider Provider
	hostname string
	adminURL string
}

// Detect returns the provider that operates hostname, or NonOAuth.
func Detect(hostname string) Provider {
	h := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
	for _, s := range suffixes {
		if h == s.suffix || strings.HasSuffix(h, "."+s.suffix) {
			return s.provider
		}
	}
	return NonOAuth
}

// For returns the scribe for an outgoing mail server. adminURL is the public
// base URL of the admin API.
func For(hostname, adminURL string) Scribe {
	return Scribe{provider: Detect(hostname), hostname: hostname, adminURL: adminURL}
}

func (s Scribe) Provider() Provider { return s.provider }
func (s Scribe) Hostname() string   { return s.hostname }

func (s Scribe) IsOAuthHost() bool { return s.provider != NonOAuth }
func (s Scribe) IsGoogle() bool    { return s.provider == Google }
func (s Scribe) IsMicrosoft() bool { return s.provider == Microsoft }
func (s Scribe) IsYahoo() bool     { return s.provider == Yahoo }

// CallbackURL is the redirect URI to register with the provider. It is
// empty for servers without OAuth.
func (s Scribe) CallbackURL() (string, error) {
	if !s.IsOAuthHost() {
		return "", nil
	}
	u, err := s.admin()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(u.String(), "/") + CallbackPath, nil
}

// CallbackDomain is the origin Google asks for, or the bare host for
// Microsoft and Yahoo.
func (s Scribe) CallbackDomain() (string, error) {
	if !s.IsOAuthHost() {
		return "", nil
	}
	u, err := s.admin()
	if err != nil {
		return "", err
	}
	if s.provider == Google {
		return u.Scheme + "://" + u.Host, nil
	}
	return u.Hostname(), nil
}

func (s Scribe) admin() (*url.URL, error) {
	if s.adminURL == "" {
		return nil, ErrNoAdminURL
	}
	u, err := url.Parse(s.adminURL)
	if err != nil {
		return nil, fmt.Errorf("invalid admin URL: %w", err)
	}
	if u.Host == "" || u.Scheme == "" {
		return nil, fmt.Errorf("invalid admin URL %q: %w", s.adminURL, ErrNoAdminURL)
	}
	return u, nil
}

func (s Scribe) ClientIDLabel() string       { return "Client ID" }
func (s Scribe) ClientSecretLabel() string   { return "Client Secret" }
func (s Scribe) CallbackURLLabel() string    { return table[s.provider].callbackURLLabel }
func (s Scribe) CallbackDomainLabel() string { return table[s.provider].callbackDomainLabel }

func (s Scribe) OwnerName() string              { return table[s.provider].owner }
func (s Scribe) ServiceName() string            { return table[s.provider].service }
func (s Scribe) ApplicationDescription() string { return table[s.provider].description }
func (s Scribe) PortalName() string             { return table[s.provider].portalName }
func (s Scribe) PortalURL() string              { return table[s.provider].portalURL }

// OAuthPort is the port the provider accepts XOAUTH2 on, or 0.
func (s Scribe) OAuthPort() int { return table[s.provider].oauthPort }

// EncryptionType is the security mode that goes with OAuthPort.
func (s Scribe) EncryptionType() string { return table[s.provider].encryption }

// OAuthHelp is the hint shown next to the OAuth settings.
func (s Scribe) OAuthHelp() string {
	if !s.IsOAuthHost() {
		return "Enter an Outgoing Mail Server with OAuth2 capabilities."
	}
	return fmt.Sprintf("Create %s in the %s and paste its %s and %s here.",
		s.ApplicationDescription(), s.PortalName(), s.ClientIDLabel(), s.ClientSecretLabel())
}

// RequestPermissionLinkText labels the button that starts the OAuth grant.
func (s Scribe) RequestPermissionLinkText() string {
	if !s.IsOAuthHost() {
		return "Grant OAuth 2.0 Permission"
	}
	return fmt.Sprintf("Grant permission with %s", s.OwnerName())
}

// Help bundles every text of a scribe, as served by the wizard endpoint.
type Help struct {
	Hostname               string `json:"hostname"`
	Provider               string `json:"provider"`
	OAuthHost              bool   `json:"oauth_host"`
	OwnerName              string `json:"owner_name,omitempty"`
	ServiceName            string `json:"service_name,omitempty"`
	ApplicationDescription string `json:"application_description,omitempty"`
	PortalName             string `json:"portal_name,omitempty"`
	PortalURL              string `json:"portal_url,omitempty"`
	ClientIDLabel          string `json:"client_id_label"`
	ClientSecretLabel      string `json:"client_secret_label"`
	CallbackURLLabel       string `json:"callback_url_label"`
	CallbackURL            string `json:"callback_url,omitempty"`
	CallbackDomainLabel    string `json:"callback_domain_label"`
	CallbackDomain         string `json:"callback_domain,omitempty"`
	OAuthPort              int    `json:"oauth_port,omitempty"`
	EncryptionType         string `json:"encryption_type,omitempty"`
	OAuthHelp              string `json:"oauth_help"`
	RequestPermissionText  string `json:"request_permission_text"`
}

// Help collects the texts of s. A callback that cannot be built is an error.
func (s Scribe) Help() (Help, error) {
	callbackURL, err := s.CallbackURL()
	if err != nil {
		return Help{}, err
	}
	callbackDomain, err := s.CallbackDomain()
	if err != nil {
		return Help{}, err
	}
	return Help{
		Hostname:               s.hostname,
		Provider:               s.provider.String(),
		OAuthHost:              s.IsOAuthHost(),
		OwnerName:              s.OwnerName(),
		ServiceName:            s.ServiceName(),
		ApplicationDescription: s.ApplicationDescription(),
		PortalName:             s.PortalName(),
		PortalURL:              s.PortalURL(),
		ClientIDLabel:          s.ClientIDLabel(),
		ClientSecretLabel:      s.ClientSecretLabel(),
		CallbackURLLabel:       s.CallbackURLLabel(),
		CallbackURL:            callbackURL,
		CallbackDomainLabel:    s.CallbackDomainLabel(),
		CallbackDomain:         callbackDomain,
		OAuthPort:              s.OAuthPort(),
		EncryptionType:         s.EncryptionType(),
		OAuthHelp:              s.OAuthHelp(),
		RequestPermissionText:  s.RequestPermissionLinkText(),
	}, nil
}
