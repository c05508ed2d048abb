package ses

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/mail"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/transport"
)

// fakeSES records SendEmail calls and answers with err, if set.
type fakeSES struct {
	mu     sync.Mutex
	err    error
	inputs []*sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("0100-abc")}, nil
}

func (f *fakeSES) last(t *testing.T) *sesv2.SendEmailInput {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.inputs, "SendEmail was not called")
	return f.inputs[len(f.inputs)-1]
}

func newStore(mutate func(o *config.Options)) *config.Store {
	o := config.DefaultOptions()
	o.TransportType = Slug
	o.Sender.Email = "sender@example.com"
	o.SES.Region = "eu-west-1"
	if mutate != nil {
		mutate(&o)
	}
	return config.NewStore(o, "")
}

func statusError(code int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: code}},
			Err:      errors.New("api error"),
		},
	}
}

func TestEndpoint(t *testing.T) {
	t.Parallel()

	tr := NewWithClient(newStore(nil), &fakeSES{})
	assert.Equal(t, "email.eu-west-1.amazonaws.com", tr.Hostname())
	assert.Equal(t, 443, tr.Port())
	assert.Equal(t, "https", tr.Protocol())

	bare := NewWithClient(newStore(func(o *config.Options) { o.SES.Region = "" }), &fakeSES{})
	assert.Empty(t, bare.Hostname())
	assert.Zero(t, bare.Port())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(o *config.Options)
		want   []string
	}{
		{"default credential chain", nil, nil},
		{"static keys", func(o *config.Options) { o.SES.AccessKeyID, o.SES.SecretAccessKey = "AKIA", "s" }, nil},
		{"no region", func(o *config.Options) { o.SES.Region = "" }, []string{"Region can not be empty."}},
		{"secret without key id", func(o *config.Options) { o.SES.SecretAccessKey = "s" },
			[]string{"Access Key ID and Secret Access Key must be set together."}},
		{"no sender", func(o *config.Options) { o.Sender.Email = "" }, []string{"Message From Address can not be empty."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := NewWithClient(newStore(tt.mutate), &fakeSES{})
			assert.Equal(t, tt.want, tr.Validate())
			assert.Equal(t, len(tt.want) == 0, tr.IsConfiguredAndReady())
		})
	}
}

func TestConfigurationBid(t *testing.T) {
	t.Parallel()

	tr := NewWithClient(newStore(nil), &fakeSES{})
	assert.Equal(t, 8000, tr.ConfigurationBid("email.eu-west-1.amazonaws.com", 443, "").Priority)
	assert.Zero(t, tr.ConfigurationBid("email-smtp.eu-west-1.amazonaws.com", 587, "").Priority)
}

func TestDeliver_Simple(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		msg      email.Email
		wantFrom string
	}{
		{
			name:     "explicit from",
			msg:      email.Email{From: "owner@example.com", To: []string{"to@example.com"}, Subject: "Hi", TextBody: "text", ReplyTo: "reply@example.com"},
			wantFrom: "owner@example.com",
		},
		{
			name:     "configured sender with display name",
			msg:      email.Email{FromName: "Relay", To: []string{"to@example.com"}, TextBody: "text"},
			wantFrom: `"Relay" <sender@example.com>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fake := &fakeSES{}
			require.NoError(t, NewWithClient(newStore(nil), fake).Deliver(context.Background(), &tt.msg))

			in := fake.last(t)
			require.NotNil(t, in.Content.Simple)
			assert.Nil(t, in.Content.Raw)
			assert.Equal(t, tt.wantFrom, aws.ToString(in.FromEmailAddress))
			assert.Equal(t, tt.msg.Subject, aws.ToString(in.Content.Simple.Subject.Data))
			assert.Equal(t, "text", aws.ToString(in.Content.Simple.Body.Text.Data))
			assert.Nil(t, in.Content.Simple.Body.Html)
			if tt.msg.ReplyTo != "" {
				assert.Equal(t, []string{tt.msg.ReplyTo}, in.ReplyToAddresses)
			}
		})
	}
}

func TestDeliver_Destination(t *testing.T) {
	t.Parallel()

	fake := &fakeSES{}
	msg := &email.Email{
		To:       []string{"a@example.com", "b@example.com"},
		Cc:       []string{"c@example.com"},
		Bcc:      []string{"d@example.com"},
		TextBody: "x",
	}
	require.NoError(t, NewWithClient(newStore(nil), fake).Deliver(context.Background(), msg))

	dest := fake.last(t).Destination
	assert.Equal(t, msg.To, dest.ToAddresses)
	assert.Equal(t, msg.Cc, dest.CcAddresses)
	assert.Equal(t, msg.Bcc, dest.BccAddresses)
}

func TestDeliver_RawWithAttachments(t *testing.T) {
	t.Parallel()

	fake := &fakeSES{}
	msg := &email.Email{
		FromName: "Reports",
		To:       []string{"to@example.com"},
		Bcc:      []string{"hidden@example.com"},
		Subject:  "Monthly",
		TextBody: "attached",
		Attachments: []email.Attachment{
			{Filename: "numbers.csv", ContentType: "text/csv", Content: []byte("1,2,3")},
		},
	}
	require.NoError(t, NewWithClient(newStore(nil), fake).Deliver(context.Background(), msg))

	in := fake.last(t)
	require.NotNil(t, in.Content.Raw)
	assert.Nil(t, in.Content.Simple)
	assert.Nil(t, in.FromEmailAddress)
	assert.Equal(t, []string{"hidden@example.com"}, in.Destination.BccAddresses)

	raw := in.Content.Raw.Data
	assert.NotContains(t, string(raw), "hidden@example.com")
	assert.Contains(t, string(raw), `filename="numbers.csv"`)

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	from, err := mail.ParseAddress(parsed.Header.Get("From"))
	require.NoError(t, err)
	assert.Equal(t, "sender@example.com", from.Address)
	assert.Equal(t, "Reports", from.Name)
}

func TestDeliver_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		wantStatus    int
		wantTransient bool
	}{
		{"network", errors.New("dial tcp: connection refused"), 0, true},
		{"cancelled", context.Canceled, 0, false},
		{"bad request", statusError(http.StatusBadRequest), http.StatusBadRequest, false},
		{"forbidden", statusError(http.StatusForbidden), http.StatusForbidden, false},
		{"throttled", statusError(http.StatusTooManyRequests), http.StatusTooManyRequests, true},
		{"unavailable", statusError(http.StatusServiceUnavailable), http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fake := &fakeSES{err: tt.err}
			err := NewWithClient(newStore(nil), fake).
				Deliver(context.Background(), &email.Email{To: []string{"to@example.com"}, TextBody: "x"})

			var de *transport.DeliveryError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, Slug, de.Slug)
			assert.Equal(t, tt.wantStatus, de.StatusCode)
			assert.Equal(t, tt.wantTransient, de.Transient)
			assert.Len(t, fake.inputs, 1, "no retries")
		})
	}
}

func TestBuildSimpleInput_BothBodies(t *testing.T) {
	t.Parallel()

	in := buildSimpleInput("sender@example.com", &email.Email{Subject: "S", TextBody: "t", HTMLBody: "<p>h</p>"})
	body := in.Content.Simple.Body
	require.NotNil(t, body.Text)
	require.NotNil(t, body.Html)
	assert.Equal(t, "UTF-8", aws.ToString(body.Html.Charset))
	assert.Equal(t, "UTF-8", aws.ToString(in.Content.Simple.Subject.Charset))
}

func TestTransportInterface(t *testing.T) {
	t.Parallel()
	var _ transport.Transport = (*Transport)(nil)
}
