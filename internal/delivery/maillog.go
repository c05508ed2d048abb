package delivery

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shineum/mail-relay/internal/email"
)

// Entry statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
	StatusLogged = "logged"
)

// Entry is one line of the mail log.
type Entry struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Transport  string    `json:"transport,omitempty"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
}

// MailLog keeps the most recent deliveries in memory, oldest first.
type MailLog struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMailLog() *MailLog {
	return &MailLog{}
}

// Add appends e and drops the oldest entries beyond max.
func (l *MailLog) Add(e Entry, max int) {
	if max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, e)
	if over := len(l.entries) - max; over > 0 {
		l.entries = append([]Entry(nil), l.entries[over:]...)
	}
}

// Entries returns a copy of the log, newest first.
func (l *MailLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

func (l *MailLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// transcript renders the head of msg, cut to at most size bytes on a rune
// boundary.
func transcript(msg *email.Email, size int) string {
	if size <= 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n\r\n", msg.Subject)
	if msg.TextBody != "" {
		b.WriteString(msg.TextBody)
	} else {
		b.WriteString(msg.HTMLBody)
	}
	return truncate(b.String(), size)
}

func truncate(s string, size int) string {
	if len(s) <= size {
		return s
	}
	cut := size
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
