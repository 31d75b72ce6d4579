package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/infodancer/smtpd/internal/callout"
	"github.com/infodancer/smtpd/internal/netio"
	"github.com/infodancer/smtpd/internal/relayerr"
	"github.com/infodancer/smtpd/internal/server"
	"github.com/infodancer/smtpd/internal/spool"
)

// Engine holds the configuration and shared collaborators every Session
// on a listener uses: the message spool, the filter/verifier callouts,
// TLS material, and authentication. One Engine is shared across all
// connections; per-connection state lives entirely in Session.
type Engine struct {
	Domain       string
	Spool        *spool.Store
	Verifier     *callout.Verifier
	Filter       *callout.Filter
	Limits       Limits
	MaxMsgSize   int64
	Logger       *slog.Logger

	tlsConfig    *tls.Config
	authn        Authenticator
	oauthEnabled bool
	commands     []Command
}

// EngineConfig configures a new Engine.
type EngineConfig struct {
	Domain       string
	Spool        *spool.Store
	Verifier     *callout.Verifier
	Filter       *callout.Filter
	TLSConfig    *tls.Config
	Authn        Authenticator
	OAuthEnabled bool
	MaxMsgSize   int64
	Logger       *slog.Logger
}

// NewEngine builds an Engine ready to drive connections. cfg.Authn may
// be nil to disable AUTH entirely.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Domain:       cfg.Domain,
		Spool:        cfg.Spool,
		Verifier:     cfg.Verifier,
		Filter:       cfg.Filter,
		Limits:       DefaultLimits(),
		MaxMsgSize:   cfg.MaxMsgSize,
		Logger:       logger,
		tlsConfig:    cfg.TLSConfig,
		authn:        cfg.Authn,
		oauthEnabled: cfg.OAuthEnabled,
		commands:     DefaultCommands(),
	}
}

func (srv *Engine) greetingDomain() string {
	if srv.Domain != "" {
		return srv.Domain
	}
	return "localhost"
}

func (srv *Engine) maxMessageSize() int64 { return srv.MaxMsgSize }

func (srv *Engine) verifyRecipient(ctx context.Context, sess *Session, recipient string) callout.VerifyResult {
	if srv.Verifier == nil {
		return callout.VerifyResult{Status: callout.StatusValidRemote}
	}
	req := callout.VerifyRequest{
		From:      sess.sender,
		ClientIP:  sess.ConnInfo.ClientIP,
		HeloName:  sess.helo,
		Candidate: recipient,
	}
	return <-srv.Verifier.VerifyAsync(ctx, req)
}

// Handle drives one client connection through the full protocol state
// machine until QUIT, a fatal protocol error, or the connection closes.
// Its signature matches internal/server.ConnectionHandler so it can be
// registered directly as a Listener's Handler.
func (srv *Engine) Handle(ctx context.Context, conn *server.Connection) {
	if err := srv.handle(ctx, conn); err != nil {
		conn.Logger().Debug("connection ended", slog.String("error", err.Error()))
	}
}

func (srv *Engine) handle(ctx context.Context, conn *server.Connection) error {
	sess := NewSession(ConnectionInfo{ClientIP: conn.RemoteAddr().String()}, srv.Limits, conn.Logger())

	if err := srv.writeReply(conn, Result{Code: 220, Message: srv.greetingDomain() + " ESMTP ready"}); err != nil {
		return err
	}

	lb := netio.NewLineBuffer(netio.TerminatorAuto, 0, 64*1024)
	readBuf := make([]byte, 4096)
	var dataBuf bytes.Buffer // accumulates the message body across DATA lines or a BDAT chunk

	for sess.State() != StateEnd {
		line, ok, err := lb.Next()
		if err != nil {
			srv.writeReply(conn, Result{Code: 500, Message: "5.5.2 Line too long"}) //nolint:errcheck
			return err
		}
		if !ok {
			if err := conn.ResetIdleTimeout(); err != nil {
				return err
			}
			n, rerr := conn.Reader().Read(readBuf)
			if n > 0 {
				if addErr := lb.Add(readBuf[:n]); addErr != nil {
					srv.writeReply(conn, Result{Code: 500, Message: "5.5.2 Line too long"}) //nolint:errcheck
					return addErr
				}
			}
			if rerr != nil {
				return rerr
			}
			continue
		}

		switch sess.State() {
		case StateAuthContinue:
			res := continueAuth(sess, string(line.Data))
			if writeErr := srv.writeReply(conn, res); writeErr != nil {
				return writeErr
			}
			continue

		case StateData:
			if isDotTerminator(line.Data) {
				res, commitErr := srv.finishMessage(ctx, sess, &dataBuf)
				dataBuf.Reset()
				if commitErr != nil {
					return commitErr
				}
				if writeErr := srv.writeReply(conn, res); writeErr != nil {
					return writeErr
				}
				continue
			}
			dataBuf.Write(unstuffDot(line.Data))
			dataBuf.WriteString("\r\n")
			continue

		case StateBdatData, StateBdatDataLast:
			dataBuf.Write(line.Data)
			sess.bdatTotal += int64(len(line.Data))
			lb.EndExpect()
			if sess.bdatLast {
				sess.SetState(StateBdatChecking)
				res, commitErr := srv.finishMessage(ctx, sess, &dataBuf)
				dataBuf.Reset()
				if commitErr != nil {
					return commitErr
				}
				if writeErr := srv.writeReply(conn, res); writeErr != nil {
					return writeErr
				}
			} else {
				sess.SetState(StateBdatIdle)
				if writeErr := srv.writeReply(conn, Result{Code: 250, Message: fmt.Sprintf("2.0.0 %d bytes received", len(line.Data))}); writeErr != nil {
					return writeErr
				}
			}
			continue
		}

		res, matched := srv.dispatch(ctx, sess, string(line.Data))
		if !matched {
			if writeErr := srv.writeReply(conn, Result{Code: 500, Message: "5.5.1 Command not recognized"}); writeErr != nil {
				return writeErr
			}
			continue
		}
		if res.Code != 0 {
			if writeErr := srv.writeReply(conn, res); writeErr != nil {
				return writeErr
			}
		}

		switch sess.State() {
		case StateBdatData, StateBdatDataLast:
			lb.ExpectBytes(int(sess.bdatChunkSize))
		case StateStartingTLS:
			if err := conn.UpgradeToTLS(srv.tlsConfig); err != nil {
				return err
			}
			sess.SetTLSActive(true)
			sess.SetState(StateStart)
			lb = netio.NewLineBuffer(netio.TerminatorAuto, 0, 64*1024)
		}

		if res.Close {
			return nil
		}
	}
	return nil
}

// dispatch matches line against the command table, returning the first
// match's result. matched is false when no verb recognizes the line,
// which the caller turns into a 500 reply.
func (srv *Engine) dispatch(ctx context.Context, sess *Session, line string) (Result, bool) {
	for _, cmd := range srv.commands {
		if m := cmd.Pattern().FindStringSubmatch(line); m != nil {
			res, err := cmd.Execute(ctx, srv, sess, m)
			if err != nil {
				return Result{Code: 451, Message: "4.3.0 Internal error"}, true
			}
			return res, true
		}
	}
	return Result{}, false
}

// finishMessage runs the filter callout over the assembled body, commits
// the message to the spool on an ok verdict, and returns the SMTP reply.
func (srv *Engine) finishMessage(ctx context.Context, sess *Session, body *bytes.Buffer) (Result, error) {
	sess.SetState(StateProcessing)

	if srv.Spool == nil {
		return Result{}, relayerr.New(relayerr.Configuration, "smtp: no spool configured")
	}
	if srv.MaxMsgSize > 0 && int64(body.Len()) > srv.MaxMsgSize {
		return Result{Code: 552, Message: "5.3.4 Message size exceeds fixed maximum message size"}, nil
	}

	writer, err := srv.Spool.NewWriter()
	if err != nil {
		return Result{}, relayerr.Wrap(relayerr.PermanentIO, "smtp: opening spool writer", err)
	}
	if _, err := writer.Write(body.Bytes()); err != nil {
		writer.Abort()
		return Result{}, relayerr.Wrap(relayerr.PermanentIO, "smtp: writing spool content", err)
	}

	env := &spool.Envelope{
		Timestamp:     time.Now(),
		From:          sess.sender,
		ToLocal:       append([]string(nil), sess.toLocal...),
		ToRemote:      append([]string(nil), sess.toRemote...),
		ClientAddress: sess.ConnInfo.ClientIP,
		ClientAuth:    sess.IsAuthenticated(),
		ClientSecure:  sess.IsTLSActive(),
		Body:          sess.bodySpoolType(),
	}

	// The envelope file is written only by Commit, so the filter gets the
	// content path and an empty envelope path.
	if srv.Filter != nil {
		if fres, ferr := srv.Filter.Run(ctx, writer.ID().String(), "", srv.Spool.ContentPath(writer.ID())); ferr == nil {
			switch fres.Verdict {
			case callout.VerdictFailPermanent:
				writer.Abort()
				sess.ResetTransaction()
				return Result{Code: 554, Message: "5.7.1 Message rejected: " + fres.Reason}, nil
			case callout.VerdictFailRetryable:
				writer.Abort()
				sess.ResetTransaction()
				return Result{Code: 451, Message: "4.7.1 Message deferred: " + fres.Reason}, nil
			case callout.VerdictAbandon:
				writer.Abort()
				sess.ResetTransaction()
				return Result{Code: 250, Message: "2.0.0 OK"}, nil
			}
		}
	}

	if err := writer.Commit(env); err != nil {
		return Result{}, relayerr.Wrap(relayerr.PermanentIO, "smtp: committing message", err)
	}

	msgID := writer.ID().String()
	sess.ResetTransaction()
	return Result{Code: 250, Message: "2.0.0 OK: queued as " + msgID}, nil
}

// writeReply sends a (possibly multi-line) reply. Lines after the first
// in res.Message are continuation lines ("250-text"); the last uses the
// space separator ("250 text"), per RFC 5321 §4.2.1.
func (srv *Engine) writeReply(conn *server.Connection, res Result) error {
	if res.Code == 0 {
		return nil
	}
	lines := splitReplyLines(res.Message)
	w := conn.Writer()
	for i, line := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		if _, err := fmt.Fprintf(w, "%d%c%s\r\n", res.Code, sep, line); err != nil {
			return err
		}
	}
	return conn.Flush()
}

func splitReplyLines(msg string) []string {
	if msg == "" {
		return []string{""}
	}
	var lines []string
	start := 0
	for i := 0; i < len(msg); i++ {
		if msg[i] == '\n' {
			lines = append(lines, msg[start:i])
			start = i + 1
		}
	}
	return append(lines, msg[start:])
}

// isDotTerminator reports whether a DATA-phase line is the bare "."
// terminator.
func isDotTerminator(line []byte) bool {
	return len(line) == 1 && line[0] == '.'
}

// unstuffDot removes RFC 5321 §4.5.2 transparency dot-stuffing: a line
// beginning with two dots loses its first one.
func unstuffDot(line []byte) []byte {
	if len(line) > 0 && line[0] == '.' {
		return line[1:]
	}
	return line
}
