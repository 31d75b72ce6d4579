package smtp

import (
	"context"
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/emersion/go-sasl"
)

// Authenticator verifies a username/password pair (PLAIN, LOGIN) or an
// OAUTHBEARER bearer token, returning the authenticated identity.
type Authenticator interface {
	AuthenticatePlain(ctx context.Context, username, password string) error
	AuthenticateOAuthBearer(ctx context.Context, username, token string) error
}

var authPattern = regexp.MustCompile(`(?i)^AUTH\s+(\S+)(?:\s+(.+))?$`)

// AUTHCommand implements RFC 4954 AUTH, dispatching to go-sasl server
// mechanisms instead of hand-parsing each wire format.
type AUTHCommand struct{}

func (c *AUTHCommand) Pattern() *regexp.Regexp { return authPattern }

func (c *AUTHCommand) Execute(ctx context.Context, srv *Engine, sess *Session, m []string) (Result, error) {
	mechanism := strings.ToUpper(m[1])
	initial := ""
	if len(m) > 2 {
		initial = m[2]
	}

	if sess.IsAuthenticated() {
		return Result{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}
	if sess.State() < StateIdle {
		return Result{Code: 503, Message: "5.5.1 Bad sequence of commands"}, nil
	}
	if (mechanism == sasl.Plain || mechanism == sasl.Login) && !sess.IsTLSActive() && !sess.IsLocalhost() {
		return Result{Code: 538, Message: "5.7.11 Encryption required for requested authentication mechanism"}, nil
	}
	if srv.authn == nil {
		return Result{Code: 504, Message: "5.5.4 Authentication not configured"}, nil
	}

	server, err := srv.saslServer(mechanism, sess)
	if err != nil {
		return Result{Code: 504, Message: "5.5.4 Unrecognized authentication type"}, nil
	}

	var response []byte
	if initial != "" {
		response, err = base64.StdEncoding.DecodeString(initial)
		if err != nil {
			return Result{Code: 501, Message: "5.5.2 Invalid base64 data"}, nil
		}
	}

	challenge, done, err := server.Next(response)
	if err != nil {
		return Result{Code: 535, Message: "5.7.8 Authentication credentials invalid"}, nil
	}
	if !done {
		// No initial response (or the mechanism needs another leg, as
		// LOGIN always does): park the sasl.Server and prompt for the
		// next base64 line. continueAuth picks this back up.
		sess.beginAuthContinuation(mechanism, server)
		return Result{Code: 334, Message: base64.StdEncoding.EncodeToString(challenge)}, nil
	}

	return Result{Code: 235, Message: "2.7.0 Authentication successful"}, nil
}

// continueAuth feeds a base64 continuation line, sent while the session
// is in StateAuthContinue, back into the parked go-sasl server. It is
// called directly from the connection loop rather than through the
// regular command table, since a continuation line isn't a verb.
func continueAuth(sess *Session, line string) Result {
	server := sess.authServer
	mechanism := sess.pendingAuthMech
	if line == "*" {
		sess.endAuthContinuation()
		return Result{Code: 501, Message: "5.7.0 Authentication cancelled"}
	}

	response, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		sess.endAuthContinuation()
		return Result{Code: 501, Message: "5.5.2 Invalid base64 data"}
	}

	challenge, done, err := server.Next(response)
	sess.endAuthContinuation()
	if err != nil {
		return Result{Code: 535, Message: "5.7.8 Authentication credentials invalid"}
	}
	if !done {
		sess.beginAuthContinuation(mechanism, server)
		return Result{Code: 334, Message: base64.StdEncoding.EncodeToString(challenge)}
	}
	return Result{Code: 235, Message: "2.7.0 Authentication successful"}
}

// saslServer builds a go-sasl server for mechanism, closing over sess so
// a successful handshake marks the session authenticated.
func (srv *Engine) saslServer(mechanism string, sess *Session) (sasl.Server, error) {
	switch mechanism {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if err := srv.authn.AuthenticatePlain(context.Background(), username, password); err != nil {
				return err
			}
			sess.SetAuthenticated(username, sasl.Plain)
			return nil
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			if err := srv.authn.AuthenticatePlain(context.Background(), username, password); err != nil {
				return err
			}
			sess.SetAuthenticated(username, sasl.Login)
			return nil
		}), nil
	case sasl.OAuthBearer:
		return sasl.NewOAuthBearerServer(func(opts sasl.OAuthBearerOptions) *sasl.OAuthBearerError {
			if err := srv.authn.AuthenticateOAuthBearer(context.Background(), opts.Username, opts.Token); err != nil {
				return &sasl.OAuthBearerError{Status: "invalid_token", Schemes: "bearer"}
			}
			sess.SetAuthenticated(opts.Username, sasl.OAuthBearer)
			return nil
		}), nil
	default:
		return nil, errUnsupportedMechanism
	}
}

// saslMechanisms lists the mechanisms advertised in the EHLO response,
// suppressing PLAIN/LOGIN for non-TLS, non-localhost connections so
// clients never negotiate a mechanism the server will then refuse.
func (srv *Engine) saslMechanisms(sess *Session) []string {
	if srv.authn == nil {
		return nil
	}
	var mechs []string
	if sess.IsTLSActive() || sess.IsLocalhost() {
		mechs = append(mechs, sasl.Plain, sasl.Login)
	}
	if srv.oauthEnabled {
		mechs = append(mechs, sasl.OAuthBearer)
	}
	return mechs
}

var errUnsupportedMechanism = &mechanismError{"unsupported SASL mechanism"}

type mechanismError struct{ msg string }

func (e *mechanismError) Error() string { return e.msg }
