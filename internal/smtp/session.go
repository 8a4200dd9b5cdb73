package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shineum/loomio-relay/internal/email"
	"github.com/shineum/loomio-relay/internal/relay"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// DefaultMaxMessageSize is used when no limit is configured (25 MiB).
const DefaultMaxMessageSize = 25 * 1024 * 1024

// maxCommandLine bounds command and AUTH response lines.
const maxCommandLine = 4096

// errLineTooLong is returned for command lines over maxCommandLine.
var errLineTooLong = errors.New("line too long")

// maxReplyReason keeps rejection replies inside the 512-octet SMTP line limit.
const maxReplyReason = 400

// Handler processes a complete inbound message. A *relay.RejectError means
// the message must be refused permanently.
type Handler interface {
	Handle(ctx context.Context, transport string, msg *email.Inbound) error
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	auth     *Authenticator
	handler  Handler
	hostname string
	maxSize  int64

	tlsConfig *tls.Config
	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection. A
// non-positive maxSize selects DefaultMaxMessageSize.
func NewSession(conn net.Conn, auth *Authenticator, handler Handler, hostname string, tlsConfig *tls.Config, maxSize int64) *Session {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		auth:      auth,
		handler:   handler,
		hostname:  hostname,
		maxSize:   maxSize,
		tlsConfig: tlsConfig,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP loomio-relay", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 4.3.2 Service shutting down")
			return
		default:
		}

		if err := s.touch(); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.readCommandLine()
		if errors.Is(err, errLineTooLong) {
			s.writeLine("500 5.5.2 Line too long")
			continue
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "VRFY":
		s.writeLine("252 Cannot VRFY user")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	s.state = max(s.state, stateGreeted)

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", s.maxSize)
	s.writeLine("250 OK")
}

func (s *Session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "remote", s.conn.RemoteAddr().String(), "error", err)
		return
	}

	// RFC 3207: the client must greet again after the handshake.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *Session) handleAuthPlain(parts []string) {
	var encoded string
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		var ok bool
		if encoded, ok = s.challenge("334"); !ok {
			return
		}
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}
	if err := s.auth.VerifyPlain(encoded); err != nil {
		slog.Warn("SMTP authentication failed", "mechanism", "PLAIN", "remote", s.conn.RemoteAddr().String(), "error", err)
		s.writeLine("535 5.7.8 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 2.7.0 Authentication successful")
}

func (s *Session) handleAuthLogin() {
	// "Username:" and "Password:" in base64.
	user, ok := s.challenge("334 VXNlcm5hbWU6")
	if !ok {
		return
	}
	if user == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	pass, ok := s.challenge("334 UGFzc3dvcmQ6")
	if !ok {
		return
	}
	if pass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyLogin(user, pass); err != nil {
		slog.Warn("SMTP authentication failed", "mechanism", "LOGIN", "remote", s.conn.RemoteAddr().String(), "error", err)
		s.writeLine("535 5.7.8 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 2.7.0 Authentication successful")
}

// challenge sends prompt and returns the client's single-line answer.
func (s *Session) challenge(prompt string) (string, bool) {
	s.writeLine("%s", prompt)
	line, err := s.readCommandLine()
	if errors.Is(err, errLineTooLong) {
		s.writeLine("500 5.5.2 Line too long")
		return "", false
	}
	if err != nil {
		slog.Debug("failed to read AUTH response", "error", err)
		return "", false
	}
	return line, true
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	path, params := splitPath(arg[5:])
	addr := extractAddress(path)
	// The null reverse-path is allowed so bounces can reach Loomio.
	if addr == "" && path != "<>" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if size, ok := declaredSize(params); ok && size > s.maxSize {
		s.writeLine("552 5.3.4 Message size exceeds fixed limit of %d bytes", s.maxSize)
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	path, _ := splitPath(arg[3:])
	addr := extractAddress(path)
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message body and hands it to the handler. It returns
// true when the connection is no longer usable.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, oversize, err := s.readData()
	if err != nil {
		slog.Error("error reading DATA", "error", err)
		return true
	}
	defer s.resetTransaction()

	if oversize {
		slog.Warn("message exceeds size limit", "from", s.mailFrom, "limit", s.maxSize)
		s.writeLine("552 5.3.4 Message size exceeds fixed limit of %d bytes", s.maxSize)
		return false
	}

	msg := &email.Inbound{
		From: s.mailFrom,
		To:   append([]string(nil), s.rcptTo...),
		Raw:  raw,
	}

	// An accepted DATA is finished even if shutdown starts meanwhile.
	err = s.handler.Handle(context.WithoutCancel(ctx), "smtp", msg)
	if terr := s.touch(); terr != nil {
		slog.Error("failed to set connection deadline", "error", terr)
		return true
	}

	if err == nil {
		s.writeLine("250 2.0.0 OK message accepted")
		return false
	}

	if rej, ok := relay.IsReject(err); ok {
		s.writeLine("550 5.7.1 %s", replyText(rej.Reason))
		return false
	}

	slog.Error("message handling failed", "id", msg.ID, "error", err)
	s.writeLine("451 4.3.0 Temporary failure, please try again later")
	return false
}

// readData reads dot-stuffed lines up to the terminating ".". Lines are
// consumed in buffer-sized fragments; once the message exceeds the size limit
// everything up to the terminator is discarded.
func (s *Session) readData() ([]byte, bool, error) {
	var buf bytes.Buffer
	oversize := false
	lineStart := true

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return nil, false, err
		}
		frag, err := s.reader.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, false, err
		}
		complete := err == nil

		if lineStart {
			if complete && strings.TrimRight(string(frag), "\r\n") == "." {
				break
			}
			if len(frag) > 0 && frag[0] == '.' {
				frag = frag[1:]
			}
		}
		lineStart = complete

		if oversize {
			continue
		}
		if int64(buf.Len()+len(frag)) > s.maxSize {
			oversize = true
			buf.Reset()
			continue
		}
		buf.Write(frag)
	}

	return buf.Bytes(), oversize, nil
}

// readCommandLine reads one line without its terminator. A line longer than
// maxCommandLine is consumed and discarded, and errLineTooLong is returned.
func (s *Session) readCommandLine() (string, error) {
	var line []byte
	tooLong := false

	for {
		frag, err := s.reader.ReadSlice('\n')
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return "", err
		}
		if !tooLong {
			if len(line)+len(frag) > maxCommandLine {
				tooLong = true
				line = nil
			} else {
				line = append(line, frag...)
			}
		}
		if err == nil {
			break
		}
	}

	if tooLong {
		return "", errLineTooLong
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.auth.Enabled() && s.state >= stateAuthOK:
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *Session) touch() error {
	return s.conn.SetDeadline(time.Now().Add(idleTimeout))
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			slog.Error("failed to write to client", "error", err)
		}
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// splitPath separates the path of a MAIL/RCPT argument from its ESMTP
// parameters.
func splitPath(s string) (string, []string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// declaredSize returns the SIZE= parameter of a MAIL command.
func declaredSize(params []string) (int64, bool) {
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(k, "SIZE") {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// extractAddress extracts an email address from an SMTP path, handling both
// angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	return s
}

// replyText folds a reason onto a single reply line.
func replyText(reason string) string {
	reason = strings.Join(strings.Fields(reason), " ")
	if len(reason) > maxReplyReason {
		cut := maxReplyReason
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	if reason == "" {
		return "Message rejected"
	}
	return reason
}
