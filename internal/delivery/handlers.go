package delivery

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/observability"
)

// Mailer is stamped into X-Mailer unless stealth mode is on.
const Mailer = "mail-relay"

const defaultMessageIDDomain = "mail-relay.local"

// SenderOverride fills in the configured sender and, when overriding is
// prevented, replaces whatever sender the application supplied.
func SenderOverride(_ context.Context, opts config.Options, msg *email.Email) error {
	s := opts.Sender
	if s.Email != "" && (msg.From == "" || s.PreventEmailOverride) {
		msg.From = s.Email
	}
	if s.Name != "" && (s.PreventNameOverride || (msg.FromName == "" && msg.From == s.Email)) {
		msg.FromName = s.Name
	}
	if msg.From == "" {
		return fmt.Errorf("message has no sender and none is configured")
	}
	return nil
}

// MessageID assigns a Message-ID when the application did not.
func MessageID(_ context.Context, _ config.Options, msg *email.Email) error {
	if msg.MessageID != "" {
		return nil
	}
	if id := msg.RawHeaders["Message-Id"]; len(id) > 0 && id[0] != "" {
		msg.MessageID = id[0]
		return nil
	}
	domain := email.Domain(msg.From)
	if domain == "" {
		domain = defaultMessageIDDomain
	}
	msg.MessageID = fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
	return nil
}

// XMailer stamps the X-Mailer header unless stealth mode is on.
func XMailer(_ context.Context, opts config.Options, msg *email.Email) error {
	if !opts.StealthMode {
		msg.SetHeader("X-Mailer", Mailer)
	}
	return nil
}

// RecordMailLog returns the post_send handler that writes to log.
func RecordMailLog(log *MailLog) PostSendFunc {
	return func(_ context.Context, opts config.Options, r Result) {
		if !opts.MailLog.Enabled {
			return
		}
		e := Entry{
			ID:         r.ID,
			Time:       r.Time,
			Transport:  r.Transport,
			From:       r.Message.From,
			To:         append([]string(nil), r.Message.Recipients()...),
			Subject:    r.Message.Subject,
			Status:     r.Status,
			Transcript: transcript(r.Message, opts.MailLog.TranscriptSize),
		}
		if r.Err != nil {
			e.Error = r.Err.Error()
		}
		log.Add(e, opts.MailLog.MaxEntries)
	}
}

// RecordMetrics returns the post_send handler that updates metrics.
func RecordMetrics(m *observability.Metrics) PostSendFunc {
	return func(_ context.Context, _ config.Options, r Result) {
		outcome := observability.OutcomeSent
		switch r.Status {
		case StatusFailed:
			outcome = observability.OutcomeFailed
		case StatusLogged:
			outcome = observability.OutcomeLogged
		}
		label := r.Transport
		if label == "" {
			label = noTransport
		}
		m.IncDelivery(label, outcome)
		if r.Attempted {
			m.ObserveDeliveryDuration(label, r.Duration)
		}
	}
}
