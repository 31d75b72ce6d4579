package smtp

import (
	"log/slog"
	"net"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/infodancer/smtpd/internal/spool"
)

// State is the SMTP server session's current position in the protocol
// state machine. Commands valid in one state are rejected with 503 in
// any other, matching the session's RFC 5321 reply-sequencing rules.
type State int

const (
	StateStart State = iota
	StateIdle               // after EHLO/HELO
	StateGotMail            // after MAIL FROM
	StateGotRcpt            // after at least one accepted RCPT TO
	StateData               // collecting DATA body
	StateBdatIdle           // BDAT chunking in progress, awaiting next chunk
	StateBdatData           // receiving a non-final BDAT chunk's bytes
	StateBdatDataLast       // receiving the LAST BDAT chunk's bytes
	StateBdatChecking       // LAST chunk received, verdict pending
	StateProcessing         // DATA terminator seen, filter/verify pending
	StateAuthContinue       // mid AUTH exchange, awaiting base64 continuation
	StateStartingTLS        // 220 sent for STARTTLS, upgrade pending
	StateEnd                // QUIT received or fatal error, connection closing
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateIdle:
		return "IDLE"
	case StateGotMail:
		return "GOT_MAIL"
	case StateGotRcpt:
		return "GOT_RCPT"
	case StateData:
		return "DATA"
	case StateBdatIdle:
		return "BDAT_IDLE"
	case StateBdatData:
		return "BDAT_DATA"
	case StateBdatDataLast:
		return "BDAT_DATA_LAST"
	case StateBdatChecking:
		return "BDAT_CHECKING"
	case StateProcessing:
		return "PROCESSING"
	case StateAuthContinue:
		return "AUTH_CONTINUE"
	case StateStartingTLS:
		return "STARTING_TLS"
	case StateEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// Limits holds the configurable protocol limits for a session, reused
// across connections.
type Limits struct {
	MaxRecipients    int
	MaxMessageSize   int64
	MaxHeloDomainLen int
	MaxLineLength    int
}

// DefaultLimits returns the RFC 5321-sensible defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxRecipients:    100,
		MaxMessageSize:   0,
		MaxHeloDomainLen: 255,
		MaxLineLength:    1000,
	}
}

// ConnectionInfo is per-connection context about the client. The
// connection loop sets ClientIP from the peer address; nothing in this
// package sets ReverseDNS.
type ConnectionInfo struct {
	ClientIP   string
	ReverseDNS string
}

// Session holds one SMTP server connection's protocol state: the
// in-progress envelope under construction, pipelining/BDAT bookkeeping,
// and authentication/TLS status. It is the generalized replacement for
// the teacher's SMTPSession, carrying the extra states the BDAT,
// STARTTLS, and AUTH continuation flows require.
type Session struct {
	Limits   Limits
	ConnInfo ConnectionInfo
	Logger   *slog.Logger

	state State

	helo     string
	sender   string
	toLocal  []string
	toRemote []string
	bodyType string // "", "7BIT", "8BITMIME", "BINARYMIME"
	smtpUTF8 bool

	bdatTotal     int64 // bytes accumulated across BDAT chunks so far
	bdatChunkSize int64 // size announced by the most recent BDAT command
	bdatLast      bool  // whether the most recent BDAT chunk was marked LAST

	authenticated bool
	authUser      string
	authMech      string

	tlsActive bool

	pendingAuthMech string     // mechanism chosen in a multi-step AUTH exchange
	authServer      sasl.Server // the in-progress go-sasl server awaiting a continuation
}

// NewSession builds a fresh session in StateStart.
func NewSession(connInfo ConnectionInfo, limits Limits, logger *slog.Logger) *Session {
	return &Session{
		Limits:   limits,
		ConnInfo: connInfo,
		Logger:   logger,
		state:    StateStart,
	}
}

func (s *Session) State() State     { return s.state }
func (s *Session) SetState(st State) { s.state = st }

func (s *Session) IsAuthenticated() bool { return s.authenticated }
func (s *Session) SetAuthenticated(user, mech string) {
	s.authenticated = true
	s.authUser = user
	s.authMech = mech
}
func (s *Session) AuthUser() string { return s.authUser }

func (s *Session) recipientCount() int { return len(s.toLocal) + len(s.toRemote) }

// bodySpoolType maps the MAIL FROM BODY=/SMTPUTF8 parameters negotiated
// for this transaction onto the spool's persisted body-type tag.
func (s *Session) bodySpoolType() spool.BodyType {
	switch {
	case s.smtpUTF8:
		return spool.BodySMTPUTF8
	case s.bodyType == "BINARYMIME":
		return spool.BodyBinaryMime
	case s.bodyType == "8BITMIME":
		return spool.Body8BitMime
	default:
		return spool.Body7Bit
	}
}

func (s *Session) IsTLSActive() bool    { return s.tlsActive }
func (s *Session) SetTLSActive(v bool) { s.tlsActive = v }

// beginAuthContinuation parks an in-progress go-sasl exchange in the
// session while a base64 continuation line is awaited.
func (s *Session) beginAuthContinuation(mechanism string, server sasl.Server) {
	s.pendingAuthMech = mechanism
	s.authServer = server
	s.state = StateAuthContinue
}

// endAuthContinuation clears the in-progress AUTH exchange, returning to
// StateIdle regardless of outcome.
func (s *Session) endAuthContinuation() {
	s.pendingAuthMech = ""
	s.authServer = nil
	s.state = StateIdle
}

// ResetTransaction clears MAIL/RCPT/DATA state on RSET or after a
// completed transaction, per RFC 5321 §4.1.1.5 — HELO/EHLO and
// authentication survive a reset.
func (s *Session) ResetTransaction() {
	s.sender = ""
	s.toLocal = nil
	s.toRemote = nil
	s.bodyType = ""
	s.smtpUTF8 = false
	s.bdatTotal = 0
	if s.state != StateStart {
		s.state = StateIdle
	}
}

// IsLocalhost reports whether the session's remote address is loopback,
// used to relax the AUTH-requires-TLS rule for local testing/submission
// agents on the same host.
func (s *Session) IsLocalhost() bool {
	return isLocalhost(s.ConnInfo.ClientIP)
}

func isLocalhost(ip string) bool {
	host := ip
	if h, _, err := net.SplitHostPort(ip); err == nil {
		host = h
	}
	parsed := net.ParseIP(host)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback()
}

// normalizeDomain lower-cases and trims a HELO/EHLO argument for storage.
func normalizeDomain(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
