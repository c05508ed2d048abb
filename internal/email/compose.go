package email

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/mail.v2"
)

// Compose renders e as a MIME message from the given sender. Bcc is written
// only when withBcc is set; SMTP clients strip it from the wire copy, raw
// uploads must leave it out.
func (e *Email) Compose(from, fromName string, withBcc bool) *mail.Message {
	m := mail.NewMessage()
	m.SetAddressHeader("From", from, fromName)

	for _, h := range []struct {
		name  string
		addrs []string
	}{
		{"To", e.To},
		{"Cc", e.Cc},
		{"Bcc", e.Bcc},
	} {
		if len(h.addrs) == 0 || (h.name == "Bcc" && !withBcc) {
			continue
		}
		m.SetHeader(h.name, h.addrs...)
	}
	if e.ReplyTo != "" {
		m.SetHeader("Reply-To", e.ReplyTo)
	}
	if e.MessageID != "" {
		m.SetHeader("Message-ID", e.MessageID)
	}
	m.SetHeader("Subject", e.Subject)

	names := make([]string, 0, len(e.Headers))
	for k := range e.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		m.SetHeader(k, e.Headers[k])
	}

	switch {
	case e.TextBody != "" && e.HTMLBody != "":
		m.SetBody("text/plain", e.TextBody)
		m.AddAlternative("text/html", e.HTMLBody)
	case e.HTMLBody != "":
		m.SetBody("text/html", e.HTMLBody)
	default:
		m.SetBody("text/plain", e.TextBody)
	}

	for _, att := range e.Attachments {
		var settings []mail.FileSetting
		if att.ContentType != "" {
			settings = append(settings, mail.SetHeader(map[string][]string{"Content-Type": {att.ContentType}}))
		}
		m.AttachReader(att.Filename, bytes.NewReader(att.Content), settings...)
	}
	return m
}

// Raw renders e the way Compose does and returns the bytes, without Bcc.
func (e *Email) Raw(from, fromName string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := e.Compose(from, fromName, false).WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render message: %w", err)
	}
	return buf.Bytes(), nil
}
