package callout

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/infodancer/smtpd/internal/relayerr"
	"github.com/infodancer/smtpd/internal/spamcheck"
)

// Verdict is the filter/verifier result code, spec.md §4.6.
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictAbandon
	VerdictFailRetryable
	VerdictFailPermanent
)

// Result is what a filter callout returns.
type Result struct {
	Verdict  Verdict
	Response string
	Reason   string
}

// Filter runs the input/client-side filter callout against a message's
// envelope and content files, per spec.md §4.6's Filter contract.
type Filter struct {
	spec       Specifier
	spamChecker spamcheck.Checker
	netTimeout time.Duration
}

// NewFilter builds a Filter from a parsed specifier. spamChecker is
// consulted for the spam:/spam-edit: variants; it may be nil if the
// specifier never uses them.
func NewFilter(spec Specifier, spamChecker spamcheck.Checker) *Filter {
	return &Filter{spec: spec, spamChecker: spamChecker, netTimeout: 10 * time.Second}
}

// Run executes the filter against the given envelope and content paths.
// messageID is sent to net: callouts as a correlation token; file: callouts
// get the two paths as arguments and spam:/spam-edit: read contentPath.
func (f *Filter) Run(ctx context.Context, messageID, envelopePath, contentPath string) (Result, error) {
	return f.run(ctx, f.spec, messageID, envelopePath, contentPath)
}

func (f *Filter) run(ctx context.Context, spec Specifier, messageID, envelopePath, contentPath string) (Result, error) {
	switch spec.Kind {
	case KindExit:
		return exitVerdict(spec.Exit), nil

	case KindFile:
		return f.runFile(ctx, spec, envelopePath, contentPath)

	case KindNet:
		return f.runNet(ctx, spec, messageID)

	case KindSpam, KindSpamEdit:
		return f.runSpam(ctx, spec, contentPath)

	case KindChain:
		for _, sub := range spec.Chain {
			res, err := f.run(ctx, sub, messageID, envelopePath, contentPath)
			if err != nil {
				return res, err
			}
			if res.Verdict != VerdictOK {
				return res, nil
			}
		}
		return Result{Verdict: VerdictOK}, nil

	default:
		return Result{}, relayerr.New(relayerr.Internal, "callout: unhandled specifier kind")
	}
}

// exitVerdict maps a file:/exec exit code to a Result per spec.md §4.6:
// 0 -> ok, 100 -> abandon, 400-499 -> retryable, >=500 -> permanent,
// anything else -> permanent with a generic reason.
func exitVerdict(code int) Result {
	switch {
	case code == 0:
		return Result{Verdict: VerdictOK}
	case code == 100:
		return Result{Verdict: VerdictAbandon}
	case code >= 400 && code < 500:
		return Result{Verdict: VerdictFailRetryable, Reason: fmt.Sprintf("filter exit code %d", code)}
	case code >= 500:
		return Result{Verdict: VerdictFailPermanent, Reason: fmt.Sprintf("filter exit code %d", code)}
	default:
		return Result{Verdict: VerdictFailPermanent, Reason: fmt.Sprintf("unrecognised filter exit code %d", code)}
	}
}

func (f *Filter) runFile(ctx context.Context, spec Specifier, envelopePath, contentPath string) (Result, error) {
	cmd := exec.CommandContext(ctx, spec.Path, envelopePath, contentPath)
	err := cmd.Run()
	if err == nil {
		return exitVerdict(0), nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitVerdict(exitErr.ExitCode()), nil
	}
	return Result{}, relayerr.Wrap(relayerr.TransientIO, "callout: running file filter", err)
}

func (f *Filter) runNet(ctx context.Context, spec Specifier, messageID string) (Result, error) {
	d := net.Dialer{Timeout: f.netTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(spec.Host, spec.Port))
	if err != nil {
		return Result{}, relayerr.Wrap(relayerr.TransientIO, "callout: dialing net filter", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(f.netTimeout))
	if _, err := fmt.Fprintf(conn, "%s\n", messageID); err != nil {
		return Result{}, relayerr.Wrap(relayerr.TransientIO, "callout: writing net filter request", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return Result{}, relayerr.Wrap(relayerr.TransientIO, "callout: reading net filter reply", err)
	}

	var code int
	var text string
	if _, err := fmt.Sscanf(line, "%d", &code); err != nil {
		return Result{}, relayerr.Wrap(relayerr.Protocol, "callout: malformed net filter reply", err)
	}
	if len(line) > 0 {
		text = line
	}
	return codeVerdict(code, text), nil
}

// codeVerdict maps an SMTP-style reply code to a Result verdict.
func codeVerdict(code int, text string) Result {
	switch {
	case code >= 200 && code < 300:
		return Result{Verdict: VerdictOK, Response: text}
	case code >= 400 && code < 500:
		return Result{Verdict: VerdictFailRetryable, Response: text, Reason: text}
	default:
		return Result{Verdict: VerdictFailPermanent, Response: text, Reason: text}
	}
}

func (f *Filter) runSpam(ctx context.Context, spec Specifier, contentPath string) (Result, error) {
	if f.spamChecker == nil {
		return Result{}, relayerr.New(relayerr.Configuration, "callout: spam filter specified with no checker configured")
	}
	file, err := os.Open(contentPath)
	if err != nil {
		return Result{}, relayerr.Wrap(relayerr.PermanentIO, "callout: opening content for spam check", err)
	}
	defer file.Close()

	res, err := f.spamChecker.Check(ctx, file, spamcheck.CheckOptions{})
	if err != nil {
		return Result{}, relayerr.Wrap(relayerr.TransientIO, "callout: spam check failed", err)
	}
	if res.Action == spamcheck.ActionReject {
		return Result{Verdict: VerdictFailPermanent, Reason: res.RejectMessage}, nil
	}
	if res.Action == spamcheck.ActionTempFail {
		return Result{Verdict: VerdictFailRetryable, Reason: res.RejectMessage}, nil
	}
	return Result{Verdict: VerdictOK}, nil
}
