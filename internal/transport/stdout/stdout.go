// Package stdout implements a transport that prints messages to standard
// output instead of delivering them. It needs no configuration and is
// meant for development setups that select it explicitly.
package stdout

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/transport"
)

// Slug identifies this transport in the options.
const Slug = "stdout"

const separator = "========================================\n"

// Transport prints email messages in a human-readable format.
type Transport struct {
	transport.Readiness

	mu     sync.Mutex
	writer io.Writer
}

// New creates a stdout Transport that writes to os.Stdout.
func New() *Transport {
	return &Transport{writer: os.Stdout}
}

// NewWithWriter creates a stdout Transport that writes to w.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w}
}

func (t *Transport) Slug() string     { return Slug }
func (t *Transport) Name() string     { return "Standard Output" }
func (t *Transport) Protocol() string { return "stdout" }
func (t *Transport) Hostname() string { return "" }
func (t *Transport) Port() int        { return 0 }

func (t *Transport) IsConfiguredAndReady() bool { return t.Ready(true) }
func (t *Transport) Validate() []string         { return t.Record(nil) }

// ConfigurationBid never wins: printing is not a way to deliver to a host.
func (t *Transport) ConfigurationBid(host string, _ int, _ string) transport.Bid {
	return transport.Bid{Slug: Slug, Label: t.Name(), Hostname: host}
}

func (t *Transport) Settings() transport.SettingsSection {
	return transport.SettingsSection{
		ID:    "stdout_settings",
		Title: "Standard Output",
		Help:  "Messages are printed to the relay's standard output and are not delivered.",
	}
}

// Deliver prints msg. Output from concurrent deliveries is never interleaved.
func (t *Transport) Deliver(_ context.Context, msg *email.Email) error {
	out := format(msg)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := io.WriteString(t.writer, out); err != nil {
		return &transport.DeliveryError{Slug: Slug, Reason: "failed to write message", Cause: err}
	}
	return nil
}

// format renders msg as a block of "Label: value" lines. Optional labels
// are left out when empty; To and Subject are always printed.
func format(msg *email.Email) string {
	var b strings.Builder
	line := func(label, value string, always bool) {
		if value != "" || always {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}

	from := msg.From
	if msg.FromName != "" {
		from = msg.FromName + " <" + msg.From + ">"
	}

	b.WriteString(separator)
	line("From", from, true)
	line("To", strings.Join(msg.To, ", "), true)
	line("Cc", strings.Join(msg.Cc, ", "), false)
	line("Bcc", strings.Join(msg.Bcc, ", "), false)
	line("Reply-To", msg.ReplyTo, false)
	line("Message-ID", msg.MessageID, false)
	for _, name := range slices.Sorted(maps.Keys(msg.Headers)) {
		line(name, msg.Headers[name], true)
	}
	line("Subject", msg.Subject, true)

	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	b.WriteString("Body:\n" + body + "\n")

	files := make([]string, len(msg.Attachments))
	for i, att := range msg.Attachments {
		files[i] = att.Filename + " (" + humanSize(len(att.Content)) + ")"
	}
	line("Attachments", strings.Join(files, ", "), false)

	b.WriteString(separator)
	return b.String()
}

func humanSize(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
