package smtp

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/infodancer/smtpd/internal/callout"
)

// Result is a command handler's verdict: the reply line(s) to send and
// whether the connection should close after sending them.
type Result struct {
	Code    int
	Message string
	Close   bool
}

// Command is one recognized SMTP verb: a pattern to match the command
// line against and a handler to run on match, mirroring the teacher's
// per-verb regex dispatch table.
type Command interface {
	Pattern() *regexp.Regexp
	Execute(ctx context.Context, srv *Engine, sess *Session, matches []string) (Result, error)
}

var (
	heloPattern     = regexp.MustCompile(`(?i)^HELO\s+(\S+)\s*$`)
	ehloPattern     = regexp.MustCompile(`(?i)^EHLO\s+(\S+)\s*$`)
	mailFromPattern = regexp.MustCompile(`(?i)^MAIL FROM:\s*<([^>]*)>(.*)$`)
	rcptToPattern   = regexp.MustCompile(`(?i)^RCPT TO:\s*<([^>]*)>(.*)$`)
	dataPattern     = regexp.MustCompile(`(?i)^DATA\s*$`)
	bdatPattern     = regexp.MustCompile(`(?i)^BDAT\s+(\d+)(\s+LAST)?\s*$`)
	rsetPattern     = regexp.MustCompile(`(?i)^RSET\s*$`)
	noopPattern     = regexp.MustCompile(`(?i)^NOOP\b.*$`)
	quitPattern     = regexp.MustCompile(`(?i)^QUIT\s*$`)
	vrfyPattern     = regexp.MustCompile(`(?i)^VRFY\s+(.+)$`)
)

// DefaultCommands is the verb table consulted in order against the
// current input line, matching the first pattern that fires.
func DefaultCommands() []Command {
	return []Command{
		&HeloCommand{}, &EhloCommand{},
		&MailFromCommand{}, &RcptToCommand{}, &DataCommand{}, &BdatCommand{},
		&RsetCommand{}, &NoopCommand{}, &QuitCommand{}, &VrfyCommand{},
		&AUTHCommand{}, &STARTTLSCommand{},
	}
}

type HeloCommand struct{}

func (c *HeloCommand) Pattern() *regexp.Regexp { return heloPattern }
func (c *HeloCommand) Execute(ctx context.Context, srv *Engine, sess *Session, m []string) (Result, error) {
	domain := normalizeDomain(m[1])
	if sess.Limits.MaxHeloDomainLen > 0 && len(domain) > sess.Limits.MaxHeloDomainLen {
		return Result{Code: 501, Message: "5.5.4 domain name too long"}, nil
	}
	sess.helo = domain
	sess.ResetTransaction()
	sess.SetState(StateIdle)
	return Result{Code: 250, Message: srv.greetingDomain() + " Hello " + domain}, nil
}

type EhloCommand struct{}

func (c *EhloCommand) Pattern() *regexp.Regexp { return ehloPattern }
func (c *EhloCommand) Execute(ctx context.Context, srv *Engine, sess *Session, m []string) (Result, error) {
	domain := normalizeDomain(m[1])
	if sess.Limits.MaxHeloDomainLen > 0 && len(domain) > sess.Limits.MaxHeloDomainLen {
		return Result{Code: 501, Message: "5.5.4 domain name too long"}, nil
	}
	sess.helo = domain
	sess.ResetTransaction()
	sess.SetState(StateIdle)

	lines := []string{srv.greetingDomain() + " Hello " + domain}
	lines = append(lines, "PIPELINING", "8BITMIME", "SMTPUTF8", "CHUNKING")
	if srv.tlsConfig != nil && !sess.IsTLSActive() {
		lines = append(lines, "STARTTLS")
	}
	if mechs := srv.saslMechanisms(sess); mechs != nil {
		lines = append(lines, "AUTH "+strings.Join(mechs, " "))
	}
	if srv.maxMessageSize() > 0 {
		lines = append(lines, "SIZE "+strconv.FormatInt(srv.maxMessageSize(), 10))
	}
	return Result{Code: 250, Message: strings.Join(lines, "\n")}, nil
}

type MailFromCommand struct{}

func (c *MailFromCommand) Pattern() *regexp.Regexp { return mailFromPattern }
func (c *MailFromCommand) Execute(ctx context.Context, srv *Engine, sess *Session, m []string) (Result, error) {
	if sess.state != StateIdle {
		return Result{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}
	sender := m[1]
	params := strings.Fields(m[2])
	for _, p := range params {
		up := strings.ToUpper(p)
		switch {
		case up == "BODY=8BITMIME":
			sess.bodyType = "8BITMIME"
		case up == "BODY=BINARYMIME":
			sess.bodyType = "BINARYMIME"
		case up == "SMTPUTF8":
			sess.smtpUTF8 = true
		}
	}
	sess.sender = sender
	sess.toLocal = nil
	sess.toRemote = nil
	sess.SetState(StateGotMail)
	return Result{Code: 250, Message: "2.1.0 Sender OK"}, nil
}

type RcptToCommand struct{}

func (c *RcptToCommand) Pattern() *regexp.Regexp { return rcptToPattern }
func (c *RcptToCommand) Execute(ctx context.Context, srv *Engine, sess *Session, m []string) (Result, error) {
	if sess.state != StateGotMail && sess.state != StateGotRcpt {
		return Result{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}
	if sess.Limits.MaxRecipients > 0 && sess.recipientCount() >= sess.Limits.MaxRecipients {
		return Result{Code: 452, Message: "4.5.3 Too many recipients"}, nil
	}
	recipient := m[1]

	verdict := srv.verifyRecipient(ctx, sess, recipient)
	switch verdict.Status {
	case callout.StatusRejected:
		code := verdict.ResponseCode
		if code == 0 {
			code = 550
		}
		text := verdict.ResponseText
		if text == "" {
			text = "Recipient rejected"
		}
		return Result{Code: code, Message: text}, nil
	case callout.StatusValidLocal:
		sess.toLocal = append(sess.toLocal, recipient)
	default: // StatusValidRemote, StatusBlackhole
		sess.toRemote = append(sess.toRemote, recipient)
	}
	sess.SetState(StateGotRcpt)
	return Result{Code: 250, Message: "2.1.5 Recipient OK"}, nil
}

type DataCommand struct{}

func (c *DataCommand) Pattern() *regexp.Regexp { return dataPattern }
func (c *DataCommand) Execute(ctx context.Context, srv *Engine, sess *Session, m []string) (Result, error) {
	if sess.state != StateGotRcpt {
		return Result{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}
	sess.SetState(StateData)
	return Result{Code: 354, Message: "Start mail input; end with <CRLF>.<CRLF>"}, nil
}

type BdatCommand struct{}

func (c *BdatCommand) Pattern() *regexp.Regexp { return bdatPattern }
func (c *BdatCommand) Execute(ctx context.Context, srv *Engine, sess *Session, m []string) (Result, error) {
	if sess.state != StateGotRcpt && sess.state != StateBdatIdle {
		return Result{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}
	size, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || size < 0 {
		return Result{Code: 501, Message: "5.5.4 invalid BDAT size"}, nil
	}
	last := m[2] != ""
	if last {
		sess.SetState(StateBdatDataLast)
	} else {
		sess.SetState(StateBdatData)
	}
	// The actual chunk bytes are consumed by the FSM loop via
	// netio.LineBuffer's expect-N mode; this handler only records intent.
	sess.bdatChunkSize = size
	sess.bdatLast = last
	return Result{}, nil
}

type RsetCommand struct{}

func (c *RsetCommand) Pattern() *regexp.Regexp { return rsetPattern }
func (c *RsetCommand) Execute(ctx context.Context, srv *Engine, sess *Session, m []string) (Result, error) {
	sess.ResetTransaction()
	return Result{Code: 250, Message: "2.0.0 OK"}, nil
}

type NoopCommand struct{}

func (c *NoopCommand) Pattern() *regexp.Regexp { return noopPattern }
func (c *NoopCommand) Execute(ctx context.Context, srv *Engine, sess *Session, m []string) (Result, error) {
	return Result{Code: 250, Message: "2.0.0 OK"}, nil
}

type QuitCommand struct{}

func (c *QuitCommand) Pattern() *regexp.Regexp { return quitPattern }
func (c *QuitCommand) Execute(ctx context.Context, srv *Engine, sess *Session, m []string) (Result, error) {
	sess.SetState(StateEnd)
	return Result{Code: 221, Message: "2.0.0 Bye", Close: true}, nil
}

type VrfyCommand struct{}

func (c *VrfyCommand) Pattern() *regexp.Regexp { return vrfyPattern }
func (c *VrfyCommand) Execute(ctx context.Context, srv *Engine, sess *Session, m []string) (Result, error) {
	// VRFY is deliberately non-committal to avoid address enumeration.
	return Result{Code: 252, Message: "2.1.5 Cannot VRFY; try RCPT TO and check for response"}, nil
}
