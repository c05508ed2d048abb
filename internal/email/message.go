// Package email defines the message model shared by the SMTP listener, the
// dispatcher and every transport.
package email

import "strings"

// Email is an outgoing message as handed to a transport.
type Email struct {
	From        string
	FromName    string
	ReplyTo     string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment

	// Headers holds extra headers to emit on the outgoing message
	// (X-Mailer and friends). Transports that cannot carry arbitrary
	// headers ignore it.
	Headers map[string]string

	// RawHeaders are the headers of the original inbound message.
	RawHeaders map[string][]string
	MessageID  string
}

// Attachment is a file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Recipients returns every envelope recipient: To, Cc and Bcc in that order.
func (e *Email) Recipients() []string {
	all := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	all = append(all, e.To...)
	all = append(all, e.Cc...)
	all = append(all, e.Bcc...)
	return all
}

// SetHeader sets an extra outgoing header, allocating the map on first use.
func (e *Email) SetHeader(name, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[name] = value
}

// Domain returns the part of an address after the last '@', or "" when the
// address has none.
func Domain(addr string) string {
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}
