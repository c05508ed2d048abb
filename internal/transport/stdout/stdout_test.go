package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/transport"
)

func TestDeliver_BasicEmail(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tr := NewWithWriter(&buf)

	msg := &email.Email{
		From:     "sender@example.com",
		FromName: "Reports",
		To:       []string{"alice@example.com", "bob@example.com"},
		Subject:  "Monthly Report",
		TextBody: "Please find the report attached.",
		Headers:  map[string]string{"X-Mailer": "mail-relay"},
	}

	if err := tr.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()

	if !strings.Contains(output, "From: Reports <sender@example.com>") {
		t.Error("output missing From header")
	}
	if !strings.Contains(output, "To: alice@example.com, bob@example.com") {
		t.Error("output missing To header")
	}
	if !strings.Contains(output, "Subject: Monthly Report") {
		t.Error("output missing Subject header")
	}
	if !strings.Contains(output, "X-Mailer: mail-relay") {
		t.Error("output missing extra header")
	}
	if !strings.Contains(output, "Please find the report attached.") {
		t.Error("output missing body text")
	}
	if strings.Contains(output, "Attachments:") || strings.Contains(output, "Cc:") || strings.Contains(output, "Bcc:") {
		t.Error("output should omit empty Cc, Bcc and Attachments lines")
	}
	if !strings.HasPrefix(output, separator) || !strings.HasSuffix(output, separator) {
		t.Error("output should be framed by separator lines")
	}
}

func TestDeliver_CcBccReplyTo(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tr := NewWithWriter(&buf)

	msg := &email.Email{
		From:      "sender@example.com",
		To:        []string{"alice@example.com"},
		Cc:        []string{"carol@example.com"},
		Bcc:       []string{"dave@example.com"},
		ReplyTo:   "replies@example.com",
		MessageID: "<abc@example.com>",
		Subject:   "With CC",
		TextBody:  "Hello",
	}

	if err := tr.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"Cc: carol@example.com",
		"Bcc: dave@example.com",
		"Reply-To: replies@example.com",
		"Message-ID: <abc@example.com>",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestDeliver_WithAttachments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tr := NewWithWriter(&buf)

	msg := &email.Email{
		From:     "sender@example.com",
		To:       []string{"alice@example.com"},
		Subject:  "Monthly Report",
		TextBody: "Please find the report attached.",
		Attachments: []email.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: make([]byte, 1258291)},
			{Filename: "summary.xlsx", ContentType: "application/vnd.ms-excel", Content: make([]byte, 46080)},
		},
	}

	if err := tr.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Attachments: report.pdf (1.2 MB), summary.xlsx (45.0 KB)") {
		t.Errorf("unexpected attachments line in output:\n%s", output)
	}
}

func TestDeliver_HTMLBodyFallback(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tr := NewWithWriter(&buf)

	msg := &email.Email{
		From:     "sender@example.com",
		To:       []string{"recipient@example.com"},
		Subject:  "HTML Only",
		HTMLBody: "<p>HTML content</p>",
	}

	if err := tr.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(buf.String(), "<p>HTML content</p>") {
		t.Error("output should display HTML body when text body is empty")
	}
}

func TestDeliver_ConcurrentOutputNotInterleaved(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tr := NewWithWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Deliver(context.Background(), &email.Email{
				From: "a@example.com", To: []string{"b@example.com"}, TextBody: "body",
			})
		}()
	}
	wg.Wait()

	if got := strings.Count(buf.String(), separator); got != 40 {
		t.Errorf("separator count: got %d, want 40", got)
	}
	if !strings.Contains(buf.String(), separator+"From") {
		t.Error("each message should start right after a separator")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestDeliver_WriteError(t *testing.T) {
	t.Parallel()

	tr := NewWithWriter(failingWriter{})
	err := tr.Deliver(context.Background(), &email.Email{To: []string{"a@example.com"}})

	var de *transport.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected *transport.DeliveryError, got %T", err)
	}
	if de.Slug != Slug {
		t.Errorf("Slug: got %q, want %q", de.Slug, Slug)
	}
}

func TestEndpointAndReadiness(t *testing.T) {
	t.Parallel()

	tr := New()
	if tr.Slug() != "stdout" || tr.Protocol() != "stdout" {
		t.Errorf("identity: got %s/%s", tr.Slug(), tr.Protocol())
	}
	if tr.Hostname() != "" || tr.Port() != 0 {
		t.Errorf("endpoint should be absent, got %q:%d", tr.Hostname(), tr.Port())
	}
	if problems := tr.Validate(); len(problems) != 0 {
		t.Errorf("Validate(): got %v", problems)
	}
	if !tr.IsConfiguredAndReady() {
		t.Error("stdout is always ready")
	}
	if bid := tr.ConfigurationBid("smtp.example.com", 587, ""); bid.Priority != 0 {
		t.Errorf("Priority: got %d, want 0", bid.Priority)
	}
}

func TestHumanSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		bytes int
		want  string
	}{
		{name: "zero bytes", bytes: 0, want: "0 B"},
		{name: "small bytes", bytes: 512, want: "512 B"},
		{name: "kilobytes", bytes: 46080, want: "45.0 KB"},
		{name: "megabytes", bytes: 1258291, want: "1.2 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := humanSize(tt.bytes)
			if got != tt.want {
				t.Errorf("humanSize(%d): got %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}
