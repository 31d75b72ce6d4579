package smtp

import (
	"context"
	"regexp"
)

var starttlsPattern = regexp.MustCompile(`(?i)^STARTTLS\s*$`)

// STARTTLSCommand implements RFC 3207. It only signals readiness; the
// FSM loop performs the actual upgrade after this reply is flushed, to
// keep the plaintext reply and the TLS handshake from racing on the
// same connection.
type STARTTLSCommand struct{}

func (c *STARTTLSCommand) Pattern() *regexp.Regexp { return starttlsPattern }

func (c *STARTTLSCommand) Execute(ctx context.Context, srv *Engine, sess *Session, m []string) (Result, error) {
	if sess.IsTLSActive() {
		return Result{Code: 503, Message: "5.5.1 TLS already active"}, nil
	}
	if srv.tlsConfig == nil {
		return Result{Code: 454, Message: "4.7.0 TLS not available"}, nil
	}
	sess.SetState(StateStartingTLS)
	return Result{Code: 220, Message: "2.0.0 Ready to start TLS"}, nil
}
