package scribe

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mail-relay/internal/config"
)

func TestDetect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		want Provider
	}{
		{"smtp.gmail.com", Google},
		{"SMTP.GMAIL.COM.", Google},
		{"gmail.com", Google},
		{"smtp.googleapis.com", Google},
		{"smtp.live.com", Microsoft},
		{"smtp-mail.outlook.com", Microsoft},
		{"smtp.office365.com", Microsoft},
		{"smtp.mail.yahoo.com", Yahoo},
		{"smtp.mailgun.org", NonOAuth},
		{"notgmail.com", NonOAuth},
		{"", NonOAuth},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Detect(tt.host))
		})
	}
}

func TestProviderTexts(t *testing.T) {
	t.Parallel()

	google := For("smtp.gmail.com", "https://relay.example.com/admin")
	assert.True(t, google.IsOAuthHost())
	assert.True(t, google.IsGoogle())
	assert.Equal(t, 465, google.OAuthPort())
	assert.Equal(t, config.SecuritySMTPS, google.EncryptionType())
	assert.Equal(t, "Authorized redirect URI", google.CallbackURLLabel())
	assert.Equal(t, "Google Developers Console Gmail Wizard", google.PortalName())
	assert.Equal(t, "Grant permission with Google", google.RequestPermissionLinkText())

	ms := For("smtp.live.com", "https://relay.example.com")
	assert.True(t, ms.IsMicrosoft())
	assert.Equal(t, 587, ms.OAuthPort())
	assert.Equal(t, config.SecuritySTARTTLS, ms.EncryptionType())
	assert.Equal(t, "Root Domain", ms.CallbackDomainLabel())
	assert.Equal(t, "https://account.live.com/developers/applications/index", ms.PortalURL())

	yahoo := For("smtp.mail.yahoo.com", "https://relay.example.com")
	assert.True(t, yahoo.IsYahoo())
	assert.Equal(t, 465, yahoo.OAuthPort())
	assert.Equal(t, "Home Page URL", yahoo.CallbackURLLabel())
	assert.Equal(t, "Yahoo Developer Network", yahoo.PortalName())

	none := For("smtp.example.com", "")
	assert.False(t, none.IsOAuthHost())
	assert.Equal(t, 0, none.OAuthPort())
	assert.Empty(t, none.EncryptionType())
	assert.Empty(t, none.OwnerName())
	assert.Equal(t, "Enter an Outgoing Mail Server with OAuth2 capabilities.", none.OAuthHelp())
	assert.Equal(t, "Grant OAuth 2.0 Permission", none.RequestPermissionLinkText())
	assert.Equal(t, "Redirect URI", none.CallbackURLLabel())
}

func TestCallbacks(t *testing.T) {
	t.Parallel()

	google := For("smtp.gmail.com", "https://relay.example.com:8443/admin/")
	u, err := google.CallbackURL()
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com:8443/admin/oauth2/callback", u)

	d, err := google.CallbackDomain()
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com:8443", d)

	d, err = For("smtp.live.com", "https://relay.example.com:8443").CallbackDomain()
	require.NoError(t, err)
	assert.Equal(t, "relay.example.com", d)

	u, err = For("smtp.example.com", "").CallbackURL()
	require.NoError(t, err)
	assert.Empty(t, u)
}

func TestCallbacks_MissingAdminURL(t *testing.T) {
	t.Parallel()

	_, err := For("smtp.gmail.com", "").CallbackURL()
	assert.True(t, errors.Is(err, ErrNoAdminURL))

	_, err = For("smtp.mail.yahoo.com", "relay.example.com").CallbackDomain()
	assert.True(t, errors.Is(err, ErrNoAdminURL))

	_, err = For("smtp.gmail.com", "").Help()
	assert.Error(t, err)
}

func TestHelp(t *testing.T) {
	t.Parallel()

	h, err := For("smtp.office365.com", "https://relay.example.com").Help()
	require.NoError(t, err)
	assert.Equal(t, "microsoft", h.Provider)
	assert.True(t, h.OAuthHost)
	assert.Equal(t, "https://relay.example.com/oauth2/callback", h.CallbackURL)
	assert.Equal(t, "relay.example.com", h.CallbackDomain)
	assert.Equal(t, "Grant permission with Microsoft", h.RequestPermissionText)
	assert.Contains(t, h.OAuthHelp, "Microsoft Developer Center")
}
