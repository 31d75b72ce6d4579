// Package smtpclient implements the outbound half of the relay: the
// state machine that drives one submission attempt against an upstream
// server, as described in spec.md §4.4. It mirrors internal/smtp's
// server FSM in spirit (reply-line collation via internal/netio, a
// configurable timer set, the same done-signal vocabulary) but runs the
// command sequence from the initiating side.
package smtpclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/smtpd/internal/relayerr"
	"github.com/infodancer/smtpd/internal/spool"
)

// State names the client FSM's position, spec.md §4.4.
type State int

const (
	StateInit State = iota
	StateStarted
	StateServiceReady
	StateSentEhlo
	StateSentHelo
	StateAuth
	StateSentMail
	StateFiltering
	StateSentRcpt
	StateSentData
	StateSentBdatMore
	StateSentBdatLast
	StateSentDot
	StateStartTls
	StateSentTlsEhlo
	StateMessageDone
	StateQuitting
)

// Credentials are offered to whichever AUTH mechanism the server and the
// mechanism preference list settle on.
type Credentials struct {
	Username string
	Password string
	Token    string // OAUTHBEARER
}

// Config controls one Client's protocol policy, spec.md §4.4 "Protocol
// policy".
type Config struct {
	Helo                     string
	UseStartTLSIfPossible    bool
	MustUseTLS               bool
	TLSConfig                *tls.Config
	Credentials              *Credentials
	MechanismPreference      []string // defaults to {"CRAM-MD5", "PLAIN", "LOGIN"}; SCRAM is named in the preference order but has no client implementation here (see DESIGN.md)
	AuthenticationFallthrough bool
	MustAcceptAllRecipients  bool
	BdatChunkSize            int64
	EightbitStrict           bool
	SMTPUTF8Strict           bool
	ReadyTimeout             time.Duration
	ResponseTimeout          time.Duration
	IdleTimeout              time.Duration
}

func (c Config) mechanismPreference() []string {
	if len(c.MechanismPreference) > 0 {
		return c.MechanismPreference
	}
	return []string{"CRAM-MD5", sasl.Plain, sasl.Login}
}

func (c Config) readyTimeout() time.Duration {
	if c.ReadyTimeout > 0 {
		return c.ReadyTimeout
	}
	return 30 * time.Second
}

func (c Config) responseTimeout() time.Duration {
	if c.ResponseTimeout > 0 {
		return c.ResponseTimeout
	}
	return 2 * time.Minute
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return 5 * time.Minute
}

// RecipientReject records one recipient the server refused during a
// partial-failure transaction.
type RecipientReject struct {
	Address string
	Code    int
	Text    string
}

// Message is one spool entry offered to the client for delivery to a
// single upstream target; Recipients holds only the addresses destined
// for that target (the forwarder splits a multi-target envelope before
// calling Send more than once).
type Message struct {
	From       string
	Recipients []string
	Body       spool.BodyType
	SMTPUTF8   bool
	Size       int64
	Content    io.Reader
}

// DoneResult is the client FSM's done-signal, spec.md §4.4: "the final
// SMTP code (or 0 for non-SMTP internal error, -1 for filter-abandon, -2
// for filter-fail), the response text, the extra reason text ..., and
// the list of per-recipient rejects."
type DoneResult struct {
	Code               int
	Response           string
	Reason             string
	AcceptedRecipients []string
	RejectedRecipients []RecipientReject
}

// OK reports whether every recipient was accepted and the transaction
// completed normally.
func (d DoneResult) OK() bool {
	return d.Code >= 200 && d.Code < 300 && len(d.RejectedRecipients) == 0
}

// Client drives one TCP connection to an upstream SMTP server through
// the states in spec.md §4.4, from the initial banner to QUIT.
type Client struct {
	cfg      Config
	conn     net.Conn
	reader   *bufio.Reader
	state    State
	caps     map[string][]string
	tlsOn    bool
	authedAs string
}

// Dial connects to addr, waits for the service-ready banner, and returns
// a Client positioned in StateServiceReady. Callers normally follow with
// EHLO.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	d := net.Dialer{}
	deadline, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.readyTimeout())
		defer cancel()
		deadline, _ = ctx.Deadline()
	}
	d.Deadline = deadline

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.TransientIO, "smtpclient: dial", err)
	}

	c := &Client{cfg: cfg, conn: conn, reader: bufio.NewReader(conn), state: StateStarted}
	conn.SetReadDeadline(time.Now().Add(cfg.readyTimeout()))
	code, _, err := c.readReply()
	if err != nil {
		conn.Close()
		return nil, relayerr.Wrap(relayerr.TransientIO, "smtpclient: reading banner", err)
	}
	if code/100 != 2 {
		conn.Close()
		return nil, relayerr.New(relayerr.Protocol, fmt.Sprintf("smtpclient: banner rejected: %d", code))
	}
	c.state = StateServiceReady
	return c, nil
}

// Close sends QUIT best-effort and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.state = StateQuitting
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	c.writeLine("QUIT") //nolint:errcheck
	return c.conn.Close()
}

// Send drives msg through EHLO/HELO, STARTTLS, AUTH, MAIL/RCPT, and
// DATA/BDAT, returning the done-signal. The connection remains open
// (positioned in StateMessageDone) on return so the caller may send
// another message to the same target before Close.
func (c *Client) Send(ctx context.Context, msg Message) (DoneResult, error) {
	if err := c.greet(); err != nil {
		return doneFromErr(err), err
	}
	if c.cfg.UseStartTLSIfPossible || c.cfg.MustUseTLS {
		if err := c.maybeStartTLS(); err != nil {
			return doneFromErr(err), err
		}
	}
	if err := c.maybeAuthenticate(ctx); err != nil {
		return doneFromErr(err), err
	}

	body := msg.Body
	if body == spool.Body8BitMime && !c.supports("8BITMIME") {
		if c.cfg.EightbitStrict {
			return DoneResult{Code: 0, Response: "8BITMIME required but not advertised"},
				relayerr.New(relayerr.Protocol, "smtpclient: eightbit_strict: peer lacks 8BITMIME")
		}
		body = spool.Body7Bit
	}
	if msg.SMTPUTF8 && !c.supports("SMTPUTF8") {
		if c.cfg.SMTPUTF8Strict {
			return DoneResult{Code: 0, Response: "SMTPUTF8 required but not advertised"},
				relayerr.New(relayerr.Protocol, "smtpclient: smtputf8_strict: peer lacks SMTPUTF8")
		}
	}

	mailLine := "MAIL FROM:<" + msg.From + ">"
	if body == spool.Body8BitMime {
		mailLine += " BODY=8BITMIME"
	} else if body == spool.BodyBinaryMime && c.supports("CHUNKING") && c.supports("BINARYMIME") {
		mailLine += " BODY=BINARYMIME"
	}
	if msg.SMTPUTF8 && c.supports("SMTPUTF8") {
		mailLine += " SMTPUTF8"
	}
	c.state = StateSentMail
	code, text, err := c.command(mailLine)
	if err != nil {
		return doneFromErr(err), err
	}
	if code/100 != 2 {
		return DoneResult{Code: code, Response: text}, nil
	}

	var accepted []string
	var rejected []RecipientReject
	c.state = StateSentRcpt
	for _, rcpt := range msg.Recipients {
		code, text, err := c.command("RCPT TO:<" + rcpt + ">")
		if err != nil {
			return doneFromErr(err), err
		}
		if code/100 == 2 {
			accepted = append(accepted, rcpt)
			continue
		}
		rejected = append(rejected, RecipientReject{Address: rcpt, Code: code, Text: text})
		if c.cfg.MustAcceptAllRecipients {
			return DoneResult{Code: code, Response: text, RejectedRecipients: rejected}, nil
		}
	}
	if len(accepted) == 0 {
		last := rejected[len(rejected)-1]
		return DoneResult{Code: last.Code, Response: last.Text, RejectedRecipients: rejected}, nil
	}

	useBdat := body == spool.BodyBinaryMime && c.supports("CHUNKING")
	var code2 int
	var text2 string
	if useBdat {
		code2, text2, err = c.sendBdat(msg)
	} else {
		code2, text2, err = c.sendData(msg)
	}
	if err != nil {
		return doneFromErr(err), err
	}

	c.state = StateMessageDone
	return DoneResult{
		Code:               code2,
		Response:           text2,
		AcceptedRecipients: accepted,
		RejectedRecipients: rejected,
	}, nil
}

func (c *Client) greet() error {
	helo := c.cfg.Helo
	if helo == "" {
		helo = "localhost"
	}
	code, _, err := c.command("EHLO " + helo)
	if err != nil {
		return err
	}
	if code/100 == 5 {
		// Fall back to HELO per spec.md §4.4.
		c.state = StateSentHelo
		code, text, err := c.command("HELO " + helo)
		if err != nil {
			return err
		}
		if code/100 != 2 {
			return relayerr.New(relayerr.Protocol, "smtpclient: HELO rejected: "+text)
		}
		c.caps = map[string][]string{}
		return nil
	}
	c.state = StateSentEhlo
	return nil
}

// command sends line, collates the (possibly multi-line) reply, and for
// EHLO/re-EHLO populates c.caps from the continuation lines.
func (c *Client) command(line string) (code int, text string, err error) {
	if strings.HasPrefix(strings.ToUpper(line), "EHLO") {
		c.caps = map[string][]string{}
	}
	if err := c.writeLine(line); err != nil {
		return 0, "", relayerr.Wrap(relayerr.TransientIO, "smtpclient: write", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.responseTimeout()))
	return c.readReplyCollecting(strings.HasPrefix(strings.ToUpper(line), "EHLO"))
}

func (c *Client) writeLine(line string) error {
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

// readReply reads a single (possibly multi-line) SMTP reply and returns
// its code and the text of the final line.
func (c *Client) readReply() (int, string, error) {
	return c.readReplyCollecting(false)
}

func (c *Client) readReplyCollecting(captureCaps bool) (int, string, error) {
	var code int
	var lastText string
	for {
		raw, err := c.reader.ReadString('\n')
		if err != nil {
			return 0, "", err
		}
		line := strings.TrimRight(raw, "\r\n")
		if len(line) < 4 {
			return 0, "", relayerr.New(relayerr.Protocol, "smtpclient: malformed reply line: "+line)
		}
		n, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, "", relayerr.Wrap(relayerr.Protocol, "smtpclient: bad reply code", err)
		}
		code = n
		sep := line[3]
		text := line[4:]
		lastText = text
		if captureCaps {
			c.recordCapability(text)
		}
		if sep == ' ' {
			return code, lastText, nil
		}
		if sep != '-' {
			return 0, "", relayerr.New(relayerr.Protocol, "smtpclient: malformed reply separator in: "+line)
		}
	}
}

func (c *Client) recordCapability(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	name := strings.ToUpper(fields[0])
	if c.caps == nil {
		c.caps = map[string][]string{}
	}
	c.caps[name] = fields[1:]
}

func (c *Client) supports(cap string) bool {
	_, ok := c.caps[strings.ToUpper(cap)]
	return ok
}

func (c *Client) maybeStartTLS() error {
	if c.tlsOn || !c.supports("STARTTLS") {
		if c.cfg.MustUseTLS && !c.tlsOn {
			return relayerr.New(relayerr.Configuration, "smtpclient: must_use_tls but peer lacks STARTTLS")
		}
		return nil
	}
	c.state = StateStartTls
	code, text, err := c.command("STARTTLS")
	if err != nil {
		return err
	}
	if code/100 != 2 {
		if c.cfg.MustUseTLS {
			return relayerr.New(relayerr.Protocol, "smtpclient: STARTTLS refused: "+text)
		}
		return nil
	}
	tlsConn := tls.Client(c.conn, c.cfg.TLSConfig)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return relayerr.Wrap(relayerr.TransientIO, "smtpclient: TLS handshake", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.tlsOn = true

	c.state = StateSentTlsEhlo
	return c.greet()
}

func (c *Client) maybeAuthenticate(ctx context.Context) error {
	if c.cfg.Credentials == nil || !c.supports("AUTH") {
		return nil
	}
	c.state = StateAuth
	offered := c.caps["AUTH"]
	mechanism := selectMechanism(c.cfg.mechanismPreference(), offered)
	if mechanism == "" {
		if c.cfg.AuthenticationFallthrough {
			return nil
		}
		return relayerr.New(relayerr.Protocol, "smtpclient: no mutually supported AUTH mechanism")
	}

	if mechanism == "CRAM-MD5" {
		return c.authCramMD5()
	}

	client, err := c.saslClient(mechanism)
	if err != nil {
		if c.cfg.AuthenticationFallthrough {
			return nil
		}
		return err
	}
	if err := c.runSaslClient(client, mechanism); err != nil {
		if c.cfg.AuthenticationFallthrough {
			return nil
		}
		return err
	}
	return nil
}

// selectMechanism walks preference in order and returns the first one
// both the client and the server support (case-insensitive).
func selectMechanism(preference, offered []string) string {
	offeredSet := make(map[string]bool, len(offered))
	for _, m := range offered {
		offeredSet[strings.ToUpper(m)] = true
	}
	for _, m := range preference {
		if strings.EqualFold(m, "SCRAM") {
			// No client-side SCRAM mechanism is implemented; skip it in
			// the preference walk rather than claim support.
			continue
		}
		if offeredSet[strings.ToUpper(m)] {
			return strings.ToUpper(m)
		}
	}
	return ""
}

func (c *Client) saslClient(mechanism string) (sasl.Client, error) {
	creds := c.cfg.Credentials
	switch mechanism {
	case strings.ToUpper(sasl.Plain):
		return sasl.NewPlainClient("", creds.Username, creds.Password), nil
	case strings.ToUpper(sasl.Login):
		return sasl.NewLoginClient(creds.Username, creds.Password), nil
	case strings.ToUpper(sasl.OAuthBearer):
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{Username: creds.Username, Token: creds.Token}), nil
	default:
		return nil, relayerr.New(relayerr.Configuration, "smtpclient: unsupported mechanism "+mechanism)
	}
}

func (c *Client) runSaslClient(client sasl.Client, mechanism string) error {
	name, initial, err := client.Start()
	if err != nil {
		return relayerr.Wrap(relayerr.Internal, "smtpclient: sasl start", err)
	}
	line := "AUTH " + name
	if initial != nil {
		line += " " + base64.StdEncoding.EncodeToString(initial)
	}
	code, text, err := c.command(line)
	if err != nil {
		return err
	}
	for code == 334 {
		challenge, decErr := base64.StdEncoding.DecodeString(text)
		if decErr != nil {
			return relayerr.Wrap(relayerr.Protocol, "smtpclient: bad base64 challenge", decErr)
		}
		resp, nextErr := client.Next(challenge)
		if nextErr != nil {
			c.writeLine("*") //nolint:errcheck
			c.readReply()    //nolint:errcheck
			return relayerr.Wrap(relayerr.Internal, "smtpclient: sasl continuation", nextErr)
		}
		code, text, err = c.command(base64.StdEncoding.EncodeToString(resp))
		if err != nil {
			return err
		}
	}
	if code/100 != 2 {
		return relayerr.New(relayerr.Protocol, "smtpclient: AUTH "+mechanism+" failed: "+text)
	}
	c.authedAs = c.cfg.Credentials.Username
	return nil
}

// authCramMD5 implements RFC 2195 directly: go-sasl exposes no client
// constructor for it, and the exchange is a single HMAC-MD5 round trip
// over stdlib primitives.
func (c *Client) authCramMD5() error {
	code, text, err := c.command("AUTH CRAM-MD5")
	if err != nil {
		return err
	}
	if code != 334 {
		if c.cfg.AuthenticationFallthrough {
			return nil
		}
		return relayerr.New(relayerr.Protocol, "smtpclient: CRAM-MD5 not offered as expected: "+text)
	}
	challenge, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return relayerr.Wrap(relayerr.Protocol, "smtpclient: bad CRAM-MD5 challenge", err)
	}
	mac := hmac.New(md5.New, []byte(c.cfg.Credentials.Password))
	mac.Write(challenge)
	digest := hex.EncodeToString(mac.Sum(nil))
	reply := c.cfg.Credentials.Username + " " + digest

	code, text, err = c.command(base64.StdEncoding.EncodeToString([]byte(reply)))
	if err != nil {
		return err
	}
	if code/100 != 2 {
		if c.cfg.AuthenticationFallthrough {
			return nil
		}
		return relayerr.New(relayerr.Protocol, "smtpclient: CRAM-MD5 rejected: "+text)
	}
	c.authedAs = c.cfg.Credentials.Username
	return nil
}

func (c *Client) sendData(msg Message) (int, string, error) {
	c.state = StateSentData
	code, text, err := c.command("DATA")
	if err != nil {
		return 0, "", err
	}
	if code != 354 {
		return code, text, nil
	}

	w := bufio.NewWriter(c.conn)
	scanner := bufio.NewScanner(msg.Content)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if bytes.HasPrefix(line, []byte(".")) {
			w.WriteByte('.') //nolint:errcheck
		}
		w.Write(line)        //nolint:errcheck
		w.WriteString("\r\n") //nolint:errcheck
	}
	if err := scanner.Err(); err != nil {
		return 0, "", relayerr.Wrap(relayerr.PermanentIO, "smtpclient: reading message content", err)
	}
	w.WriteString(".\r\n") //nolint:errcheck
	if err := w.Flush(); err != nil {
		return 0, "", relayerr.Wrap(relayerr.TransientIO, "smtpclient: flushing DATA", err)
	}
	c.state = StateSentDot
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.responseTimeout()))
	return c.readReply()
}

func (c *Client) sendBdat(msg Message) (int, string, error) {
	buf := make([]byte, c.cfg.bdatChunkSize())
	var lastCode int
	var lastText string
	for {
		n, readErr := io.ReadFull(msg.Content, buf)
		last := readErr == io.EOF || readErr == io.ErrUnexpectedEOF
		if n > 0 {
			verb := fmt.Sprintf("BDAT %d", n)
			if last {
				verb += " LAST"
				c.state = StateSentBdatLast
			} else {
				c.state = StateSentBdatMore
			}
			if err := c.writeLine(verb); err != nil {
				return 0, "", relayerr.Wrap(relayerr.TransientIO, "smtpclient: BDAT verb", err)
			}
			if _, err := c.conn.Write(buf[:n]); err != nil {
				return 0, "", relayerr.Wrap(relayerr.TransientIO, "smtpclient: BDAT chunk", err)
			}
			c.conn.SetReadDeadline(time.Now().Add(c.cfg.responseTimeout()))
			code, text, err := c.readReply()
			if err != nil {
				return 0, "", err
			}
			lastCode, lastText = code, text
		}
		if last {
			if n == 0 {
				// Degenerate zero-byte message: still need a BDAT 0 LAST.
				if err := c.writeLine("BDAT 0 LAST"); err != nil {
					return 0, "", relayerr.Wrap(relayerr.TransientIO, "smtpclient: BDAT 0 LAST", err)
				}
				c.conn.SetReadDeadline(time.Now().Add(c.cfg.responseTimeout()))
				return c.readReply()
			}
			return lastCode, lastText, nil
		}
		if readErr != nil {
			return 0, "", relayerr.Wrap(relayerr.PermanentIO, "smtpclient: reading message content", readErr)
		}
	}
}

func (c Config) bdatChunkSize() int64 {
	if c.BdatChunkSize > 0 {
		return c.BdatChunkSize
	}
	return 65536
}

// doneFromErr renders a non-protocol client error as a done-signal with
// the spec's "0" (non-SMTP internal error) code.
func doneFromErr(err error) DoneResult {
	return DoneResult{Code: 0, Response: err.Error()}
}
