// Package ses implements a Transport that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/transport"
)

// Slug identifies this transport in the options.
const Slug = "aws_ses_api"

const (
	port     = 443
	priority = 8000
)

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Transport sends emails via the AWS SES v2 API.
type Transport struct {
	transport.Readiness

	options transport.OptionsSource

	mu       sync.Mutex
	client   SendEmailAPI
	clientOf config.SESOptions
	fixed    bool
}

// New creates an SES transport. The AWS client is built on first use and
// rebuilt whenever the SES options change.
func New(options transport.OptionsSource) *Transport {
	return &Transport{options: options}
}

// NewWithClient creates an SES transport with a custom client, used for testing.
func NewWithClient(options transport.OptionsSource, client SendEmailAPI) *Transport {
	return &Transport{options: options, client: client, fixed: true}
}

func (t *Transport) Slug() string     { return Slug }
func (t *Transport) Name() string     { return "Amazon SES API" }
func (t *Transport) Protocol() string { return "https" }

// Hostname is the regional SES endpoint, absent until a region is set.
func (t *Transport) Hostname() string {
	region := t.options.Get().SES.Region
	if region == "" {
		return ""
	}
	return fmt.Sprintf("email.%s.amazonaws.com", region)
}

func (t *Transport) Port() int {
	if t.Hostname() == "" {
		return 0
	}
	return port
}

// IsConfiguredAndReady requires a region and a sender. Static keys are
// optional; without them the default AWS credential chain is used.
func (t *Transport) IsConfiguredAndReady() bool {
	opts := t.options.Get()
	return t.Ready(opts.SES.Region != "" && opts.SenderConfigured() && keysPaired(opts.SES))
}

// Validate lists every configuration problem.
func (t *Transport) Validate() []string {
	opts := t.options.Get()
	var problems []string
	if opts.SES.Region == "" {
		problems = append(problems, "Region can not be empty.")
	}
	if !keysPaired(opts.SES) {
		problems = append(problems, "Access Key ID and Secret Access Key must be set together.")
	}
	if !opts.SenderConfigured() {
		problems = append(problems, "Message From Address can not be empty.")
	}
	return t.Record(problems)
}

func keysPaired(o config.SESOptions) bool {
	return (o.AccessKeyID == "") == (o.SecretAccessKey == "")
}

// ConfigurationBid recommends SES for its own regional endpoint.
func (t *Transport) ConfigurationBid(host string, p int, _ string) transport.Bid {
	bid := transport.Bid{Slug: Slug, Label: t.Name(), AuthItems: transport.APIKeyAuthItems()}
	if h := t.Hostname(); h != "" && host == h && p == port {
		bid.Priority = priority
		bid.Message = fmt.Sprintf("mail-relay recommends the %s to host %s on port %d.", t.Name(), h, port)
	}
	return bid
}

// Settings describes the SES credentials section.
func (t *Transport) Settings() transport.SettingsSection {
	o := t.options.Get().SES
	return transport.SettingsSection{
		ID:    "ses_auth",
		Title: "Authentication",
		Help:  "Leave the keys empty to use the default AWS credential chain.",
		Fields: []transport.Field{
			{ID: "ses_region", Label: "Region", Type: transport.FieldText, Value: o.Region, Required: true},
			{ID: "ses_access_key_id", Label: "Access Key ID", Type: transport.FieldText, Value: o.AccessKeyID},
			{ID: "ses_secret_access_key", Label: "Secret Access Key", Type: transport.FieldPassword, Value: config.Obfuscate(o.SecretAccessKey), Reveal: true},
		},
	}
}

// Deliver sends msg with a single SendEmail call. Emails with attachments
// go out as a raw MIME message; the rest use the simple format.
func (t *Transport) Deliver(ctx context.Context, msg *email.Email) error {
	opts := t.options.Get()

	client, err := t.sesClient(ctx, opts.SES)
	if err != nil {
		return &transport.DeliveryError{Slug: Slug, Reason: "failed to load AWS config", Cause: err}
	}

	from := msg.From
	if from == "" {
		from = opts.Sender.Email
	}

	var input *sesv2.SendEmailInput
	if len(msg.Attachments) > 0 {
		raw, err := msg.Raw(from, msg.FromName)
		if err != nil {
			return &transport.DeliveryError{Slug: Slug, Reason: "failed to build raw message", Cause: err}
		}
		input = &sesv2.SendEmailInput{
			Destination: destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
	} else {
		input = buildSimpleInput(formatAddress(msg.FromName, from), msg)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectionTimeout+opts.ReadTimeout)
	defer cancel()

	if _, err := client.SendEmail(ctx, input); err != nil {
		status := 0
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			status = respErr.HTTPStatusCode()
		}
		return &transport.DeliveryError{
			Slug:       Slug,
			Reason:     "SES API request failed",
			StatusCode: status,
			Transient:  (status == 0 && !errors.Is(err, context.Canceled)) || transport.ClassifyStatus(status),
			Cause:      err,
		}
	}
	return nil
}

// sesClient returns the cached client, rebuilding it when the SES options
// differ from the ones it was built with.
func (t *Transport) sesClient(ctx context.Context, o config.SESOptions) (SendEmailAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil && (t.fixed || t.clientOf == o) {
		return t.client, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(o.Region))
	if o.AccessKeyID != "" && o.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	t.client = sesv2.NewFromConfig(awsCfg)
	t.clientOf = o
	return t.client, nil
}

func destination(msg *email.Email) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}
}

// buildSimpleInput creates a SES SendEmailInput for emails without attachments.
func buildSimpleInput(from string, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HTMLBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	return input
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}
