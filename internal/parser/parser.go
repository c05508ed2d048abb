// Package parser turns the DATA of an inbound SMTP transaction into an
// email.Email.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/shineum/mail-relay/internal/email"
)

// maxDepth bounds how deeply multipart entities may nest.
const maxDepth = 8

// ErrMissingBoundary is returned for a multipart message without a boundary
// parameter.
var ErrMissingBoundary = errors.New("multipart message has no boundary")

var words = new(mime.WordDecoder)

// Parse reads an RFC 5322 message. Line endings may be CRLF or bare LF.
// Parts that are neither a body nor an attachment are skipped with a warning.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	out := &email.Email{RawHeaders: make(map[string][]string, len(msg.Header))}
	for name, values := range msg.Header {
		out.RawHeaders[name] = append([]string(nil), values...)
	}
	readEnvelopeHeaders(out, msg.Header)

	w := &walker{out: out}
	if err := w.entity(textproto.MIMEHeader(msg.Header), msg.Body, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func readEnvelopeHeaders(out *email.Email, h mail.Header) {
	out.From, out.FromName = sender(h.Get("From"))
	out.Subject = decodeWords(h.Get("Subject"))
	out.MessageID = strings.TrimSpace(h.Get("Message-Id"))
	out.To = addresses(h.Get("To"))
	out.Cc = addresses(h.Get("Cc"))
	out.Bcc = addresses(h.Get("Bcc"))
	if r := addresses(h.Get("Reply-To")); len(r) > 0 {
		out.ReplyTo = r[0]
	}
}

// walker visits every leaf of a MIME tree and files it into out.
type walker struct {
	out *email.Email
}

func (w *walker) entity(h textproto.MIMEHeader, body io.Reader, depth int) error {
	mediaType, params := contentType(h)

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		switch {
		case boundary == "" && depth == 0:
			return ErrMissingBoundary
		case boundary == "":
			slog.Warn("skipping nested multipart without boundary", "type", mediaType)
			return nil
		case depth >= maxDepth:
			slog.Warn("skipping multipart nested too deeply", "depth", depth)
			return nil
		}
		return w.multipart(multipart.NewReader(body, boundary), depth)
	}

	content, err := decodeBody(h.Get("Content-Transfer-Encoding"), body)
	if err != nil {
		if depth == 0 {
			return err
		}
		slog.Warn("skipping unreadable part", "type", mediaType, "error", err)
		return nil
	}
	w.leaf(h, mediaType, params, content)
	return nil
}

func (w *walker) multipart(mr *multipart.Reader, depth int) error {
	for {
		// NextRawPart leaves the transfer encoding to decodeBody.
		part, err := mr.NextRawPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read part: %w", err)
		}
		err = w.entity(part.Header, part, depth+1)
		part.Close()
		if err != nil {
			return err
		}
	}
}

func (w *walker) leaf(h textproto.MIMEHeader, mediaType string, params map[string]string, content []byte) {
	disposition, dparams, _ := mime.ParseMediaType(h.Get("Content-Disposition"))
	filename := decodeWords(dparams["filename"])
	if filename == "" {
		filename = decodeWords(params["name"])
	}

	switch {
	case disposition == "attachment":
		w.attach(filename, mediaType, content)
	case mediaType == "text/plain" && w.out.TextBody == "" && filename == "":
		w.out.TextBody = string(content)
	case mediaType == "text/html" && w.out.HTMLBody == "" && filename == "":
		w.out.HTMLBody = string(content)
	case filename != "" || !strings.HasPrefix(mediaType, "text/"):
		w.attach(filename, mediaType, content)
	default:
		slog.Warn("skipping MIME part", "type", mediaType)
	}
}

func (w *walker) attach(filename, mediaType string, content []byte) {
	if filename == "" {
		_, sub, _ := strings.Cut(mediaType, "/")
		if sub == "" {
			sub = "bin"
		}
		filename = "attachment." + sub
	}
	w.out.Attachments = append(w.out.Attachments, email.Attachment{
		Filename:    filename,
		ContentType: mediaType,
		Content:     content,
	})
}

// contentType defaults to text/plain when the header is absent or broken.
func contentType(h textproto.MIMEHeader) (string, map[string]string) {
	v := h.Get("Content-Type")
	if v == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := mime.ParseMediaType(v)
	if err != nil {
		slog.Warn("unparseable content type, using text/plain", "value", v, "error", err)
		return "text/plain", map[string]string{}
	}
	return mediaType, params
}

func decodeBody(encoding string, body io.Reader) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return decodeBase64(raw)
	case "quoted-printable":
		r = quotedprintable.NewReader(body)
	default:
		r = body
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return b, nil
}

// decodeBase64 ignores line breaks and whitespace and accepts missing
// padding.
func decodeBase64(raw []byte) ([]byte, error) {
	clean := bytes.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, raw)
	if out, err := base64.StdEncoding.DecodeString(string(clean)); err == nil {
		return out, nil
	}
	out, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(string(clean), "="))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return out, nil
}

func sender(v string) (addr, name string) {
	if strings.TrimSpace(v) == "" {
		return "", ""
	}
	a, err := mail.ParseAddress(v)
	if err != nil {
		return strings.TrimSpace(v), ""
	}
	return a.Address, a.Name
}

// addresses parses an address list, falling back to splitting on commas
// when the list is not valid RFC 5322.
func addresses(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(v); err == nil {
		out := make([]string, len(list))
		for i, a := range list {
			out[i] = a.Address
		}
		return out
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func decodeWords(v string) string {
	if v == "" {
		return ""
	}
	d, err := words.DecodeHeader(v)
	if err != nil {
		return v
	}
	return d
}
