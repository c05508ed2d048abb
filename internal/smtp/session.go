package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/parser"
	"github.com/shineum/mail-relay/internal/transport"
)

const (
	// idleTimeout bounds the wait for the next command.
	idleTimeout = 60 * time.Second
	// dataTimeout bounds reading a whole message body.
	dataTimeout = 5 * time.Minute
	// maxRecipients is the RFC 5321 minimum a server must accept.
	maxRecipients = 100
)

type phase int

const (
	phaseConnected phase = iota
	phaseGreeted
	phaseMail
	phaseRcpt
)

// envelope is the MAIL FROM / RCPT TO part of the current transaction.
type envelope struct {
	from string
	to   []string
}

// session runs the SMTP dialogue for one client connection.
type session struct {
	conn   net.Conn
	text   *textproto.Conn
	server *Server
	log    *slog.Logger

	phase    phase
	identity string // authenticated user, "" until AUTH succeeds
	tls      bool
	env      envelope
}

type command func(s *session, ctx context.Context, arg string) (quit bool)

var commands = map[string]command{
	"HELO":     (*session).helo,
	"EHLO":     (*session).ehlo,
	"STARTTLS": (*session).startTLS,
	"AUTH":     (*session).auth,
	"MAIL":     (*session).mail,
	"RCPT":     (*session).rcpt,
	"DATA":     (*session).data,
	"RSET":     (*session).rset,
	"NOOP":     (*session).noop,
	"QUIT":     (*session).quit,
}

func newSession(conn net.Conn, server *Server) *session {
	return &session{
		conn:   conn,
		text:   textproto.NewConn(conn),
		server: server,
		log:    slog.With("session", uuid.NewString(), "remote", conn.RemoteAddr().String()),
	}
}

// serve reads commands until the client quits, the connection fails or ctx
// is cancelled.
func (s *session) serve(ctx context.Context) {
	defer s.conn.Close()

	s.reply(220, "%s ESMTP mail-relay", s.server.config.Hostname)

	for ctx.Err() == nil {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.text.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		verb, arg := parseCommand(line)
		handle, ok := commands[verb]
		if !ok {
			s.reply(500, "Unrecognized command")
			continue
		}
		if handle(s, ctx, arg) {
			return
		}
	}

	s.reply(421, "Service shutting down")
}

// reply sends a single-line response.
func (s *session) reply(code int, format string, args ...interface{}) {
	if err := s.text.PrintfLine("%d %s", code, fmt.Sprintf(format, args...)); err != nil {
		s.log.Debug("failed to write reply", "error", err)
	}
}

// replyLines sends a multi-line response, "code-" on every line but the last.
func (s *session) replyLines(code int, lines ...string) {
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if err := s.text.PrintfLine("%d%s%s", code, sep, line); err != nil {
			s.log.Debug("failed to write reply", "error", err)
			return
		}
	}
}

func (s *session) helo(_ context.Context, arg string) bool {
	if arg == "" {
		s.reply(501, "Syntax: HELO hostname")
		return false
	}
	s.greet()
	s.reply(250, "%s Hello %s", s.server.config.Hostname, arg)
	return false
}

func (s *session) ehlo(_ context.Context, arg string) bool {
	if arg == "" {
		s.reply(501, "Syntax: EHLO hostname")
		return false
	}
	s.greet()

	lines := []string{fmt.Sprintf("%s Hello %s", s.server.config.Hostname, arg)}
	if s.server.config.TLSConfig != nil && !s.tls {
		lines = append(lines, "STARTTLS")
	}
	if s.server.auth.Enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines,
		"SIZE "+strconv.FormatInt(s.server.config.MaxMessageSize, 10),
		"8BITMIME",
		"OK",
	)
	s.replyLines(250, lines...)
	return false
}

// greet starts a fresh session state. A repeated greeting drops the open
// transaction but keeps authentication.
func (s *session) greet() {
	s.env = envelope{}
	s.phase = phaseGreeted
}

func (s *session) startTLS(context.Context, string) bool {
	switch {
	case s.phase < phaseGreeted:
		s.reply(503, "Send EHLO first")
		return false
	case s.server.config.TLSConfig == nil:
		s.reply(454, "TLS not available")
		return false
	case s.tls:
		s.reply(454, "TLS already active")
		return false
	}

	s.reply(220, "Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.server.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Warn("TLS handshake failed", "error", err)
		return true
	}

	// The client must greet again and nothing learned before the
	// handshake survives it.
	s.conn = tlsConn
	s.text = textproto.NewConn(tlsConn)
	s.tls = true
	s.phase = phaseConnected
	s.identity = ""
	s.env = envelope{}
	return false
}

func (s *session) auth(_ context.Context, arg string) bool {
	switch {
	case s.phase < phaseGreeted:
		s.reply(503, "Send EHLO/HELO first")
		return false
	case !s.server.auth.Enabled():
		s.reply(503, "AUTH not available")
		return false
	case s.identity != "":
		s.reply(503, "Already authenticated")
		return false
	case s.phase > phaseGreeted:
		s.reply(503, "AUTH not permitted during a mail transaction")
		return false
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	var (
		user, pass string
		err        error
	)
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		user, pass, err = s.authPlain(initial)
	case "LOGIN":
		user, pass, err = s.authLogin(initial)
	default:
		s.reply(504, "Unrecognized authentication type")
		return false
	}
	if err == nil {
		err = s.server.auth.Check(user, pass)
	}

	switch {
	case err == nil:
		s.identity = user
		s.log = s.log.With("user", user)
		s.reply(235, "Authentication successful")
	case errors.Is(err, errAuthCancelled):
		s.reply(501, "Authentication cancelled")
	case errors.Is(err, errAuthMalformed):
		s.reply(501, "Malformed authentication response")
	case errors.Is(err, errAuthFailed):
		s.log.Warn("authentication failed", "mechanism", strings.ToUpper(mechanism))
		s.reply(535, "Authentication failed")
	default:
		s.log.Debug("authentication aborted", "error", err)
		return true
	}
	return false
}

func (s *session) authPlain(initial string) (string, string, error) {
	if initial == "" {
		line, err := s.challenge("")
		if err != nil {
			return "", "", err
		}
		initial = line
	}
	return decodePlain(initial)
}

func (s *session) authLogin(initial string) (string, string, error) {
	userLine := initial
	if userLine == "" {
		line, err := s.challenge("Username:")
		if err != nil {
			return "", "", err
		}
		userLine = line
	}
	user, err := decodeAuthLine(userLine)
	if err != nil {
		return "", "", err
	}

	passLine, err := s.challenge("Password:")
	if err != nil {
		return "", "", err
	}
	pass, err := decodeAuthLine(passLine)
	if err != nil {
		return "", "", err
	}
	return user, pass, nil
}

// challenge sends a 334 continuation carrying prompt and reads the answer.
func (s *session) challenge(prompt string) (string, error) {
	encoded := ""
	if prompt != "" {
		encoded = b64Encode(prompt)
	}
	if err := s.text.PrintfLine("334 %s", encoded); err != nil {
		return "", err
	}
	return s.text.ReadLine()
}

func (s *session) mail(_ context.Context, arg string) bool {
	switch {
	case s.phase < phaseGreeted:
		s.reply(503, "Send EHLO/HELO first")
		return false
	case s.server.auth.Enabled() && s.identity == "":
		s.reply(530, "Authentication required")
		return false
	case s.phase > phaseGreeted:
		s.reply(503, "Nested MAIL command")
		return false
	}

	addr, params, ok := parsePath(arg, "FROM:")
	if !ok || addr == "" {
		s.reply(501, "Syntax: MAIL FROM:<address>")
		return false
	}
	if v, ok := params["SIZE"]; ok {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			s.reply(501, "Invalid SIZE parameter")
			return false
		}
		if size > s.server.config.MaxMessageSize {
			s.reply(552, "Message size exceeds fixed limit")
			return false
		}
	}

	s.env = envelope{from: addr}
	s.phase = phaseMail
	s.reply(250, "OK")
	return false
}

func (s *session) rcpt(_ context.Context, arg string) bool {
	if s.phase < phaseMail {
		s.reply(503, "Send MAIL FROM first")
		return false
	}

	addr, _, ok := parsePath(arg, "TO:")
	if !ok || addr == "" {
		s.reply(501, "Syntax: RCPT TO:<address>")
		return false
	}
	if len(s.env.to) >= maxRecipients {
		s.reply(452, "Too many recipients")
		return false
	}

	s.env.to = append(s.env.to, addr)
	s.phase = phaseRcpt
	s.reply(250, "OK")
	return false
}

func (s *session) data(ctx context.Context, _ string) bool {
	if s.phase < phaseRcpt {
		s.reply(503, "Send RCPT TO first")
		return false
	}
	s.reply(354, "Start mail input; end with <CRLF>.<CRLF>")

	if err := s.conn.SetDeadline(time.Now().Add(dataTimeout)); err != nil {
		s.log.Error("failed to set connection deadline", "error", err)
		return true
	}

	limit := s.server.config.MaxMessageSize
	body := s.text.DotReader()
	raw, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		s.log.Warn("error reading DATA", "error", err)
		return true
	}
	if int64(len(raw)) > limit {
		// Drain to the terminating dot so the session can continue.
		if _, err := io.Copy(io.Discard, body); err != nil {
			return true
		}
		s.reply(552, "Message size exceeds fixed limit")
		s.endTransaction()
		return false
	}

	defer s.endTransaction()

	msg, err := parser.Parse(raw)
	if err != nil {
		s.log.Warn("failed to parse message", "error", err)
		s.reply(550, "Failed to process message")
		return false
	}
	applyEnvelope(msg, s.env)

	if err := s.server.config.Deliverer.Deliver(ctx, msg); err != nil {
		s.log.Warn("message not relayed", "error", err)
		code, text := replyFor(err)
		s.reply(code, "%s", text)
		return false
	}

	s.reply(250, "OK message accepted")
	return false
}

func (s *session) rset(context.Context, string) bool {
	s.endTransaction()
	s.reply(250, "OK")
	return false
}

func (s *session) noop(context.Context, string) bool {
	s.reply(250, "OK")
	return false
}

func (s *session) quit(context.Context, string) bool {
	s.reply(221, "Bye")
	return true
}

// endTransaction drops the envelope and returns to the greeted phase.
func (s *session) endTransaction() {
	s.env = envelope{}
	if s.phase > phaseGreeted {
		s.phase = phaseGreeted
	}
}

// applyEnvelope fills what the headers leave out from the SMTP envelope.
// Envelope recipients missing from To and Cc become Bcc.
func applyEnvelope(msg *email.Email, env envelope) {
	if msg.From == "" {
		msg.From = env.from
	}
	if len(msg.To) == 0 {
		msg.To = env.to
		return
	}
	msg.Bcc = blindRecipients(env.to, msg)
}

// parseCommand splits a command line into the upper-cased verb and its
// argument.
func parseCommand(line string) (string, string) {
	verb, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

// parsePath parses "FROM:<addr> KEY=VALUE ..." style arguments. prefix is
// matched case-insensitively and the brackets are optional.
func parsePath(arg, prefix string) (addr string, params map[string]string, ok bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", nil, false
	}
	rest := strings.TrimSpace(arg[len(prefix):])

	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", nil, false
		}
		addr, rest = rest[1:end], rest[end+1:]
	} else {
		addr, rest, _ = strings.Cut(rest, " ")
	}

	params = make(map[string]string)
	for _, field := range strings.Fields(rest) {
		k, v, _ := strings.Cut(field, "=")
		params[strings.ToUpper(k)] = v
	}
	return strings.TrimSpace(addr), params, true
}

// replyFor maps a delivery error to an SMTP reply. Only permanent provider
// rejections get a 5xx; everything else asks the client to retry.
func replyFor(err error) (int, string) {
	var de *transport.DeliveryError
	if errors.As(err, &de) && !de.Transient {
		return 554, "Transaction failed: " + de.Reason
	}
	return 451, "Temporary failure, please try again later"
}

// blindRecipients returns the envelope recipients that appear in neither
// the To nor the Cc header.
func blindRecipients(envelope []string, msg *email.Email) []string {
	visible := make(map[string]bool, len(msg.To)+len(msg.Cc))
	for _, addr := range msg.To {
		visible[strings.ToLower(addr)] = true
	}
	for _, addr := range msg.Cc {
		visible[strings.ToLower(addr)] = true
	}

	var bcc []string
	for _, addr := range envelope {
		if !visible[strings.ToLower(addr)] {
			bcc = append(bcc, addr)
		}
	}
	return bcc
}
