package callout

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"
)

// AddressStatus is the verifier's classification of a candidate RCPT
// address, spec.md §4.6 Verifier contract.
type AddressStatus int

const (
	StatusValidLocal AddressStatus = iota
	StatusValidRemote
	StatusRejected
	StatusBlackhole
)

// VerifyRequest carries what the verifier needs to classify one
// recipient: the envelope under construction, the client's identity, and
// the candidate address.
type VerifyRequest struct {
	From      string
	ClientIP  string
	HeloName  string
	Candidate string
}

// VerifyResult is the verifier's classification plus any rewrite/routing
// overrides.
type VerifyResult struct {
	Status          AddressStatus
	Mailbox         string // set when Status == StatusValidLocal
	RewrittenAddress string
	ForwardTo       string // routing override for StatusValidRemote
	ResponseCode    int
	ResponseText    string
}

// Verifier classifies RCPT addresses via the same specifier syntax as
// Filter (spec.md §4.6). The server FSM treats synchronous and
// asynchronous verifiers uniformly by always calling VerifyAsync and
// waiting on the returned channel; a verifier whose underlying transport
// is instantaneous (exit:/file:) still resolves through that channel
// rather than special-casing a synchronous path.
type Verifier struct {
	spec       Specifier
	netTimeout time.Duration
}

// NewVerifier builds a Verifier from a parsed specifier.
func NewVerifier(spec Specifier) *Verifier {
	return &Verifier{spec: spec, netTimeout: 10 * time.Second}
}

// VerifyAsync runs the verifier callout and delivers its result on the
// returned channel exactly once. The server FSM's Processing state
// (spec.md §4.3) buffers subsequent pipelined commands until this
// channel resolves.
func (v *Verifier) VerifyAsync(ctx context.Context, req VerifyRequest) <-chan VerifyResult {
	out := make(chan VerifyResult, 1)
	go func() {
		out <- v.verify(ctx, req)
	}()
	return out
}

func (v *Verifier) verify(ctx context.Context, req VerifyRequest) VerifyResult {
	switch v.spec.Kind {
	case KindExit:
		if v.spec.Exit == 0 {
			return VerifyResult{Status: StatusValidLocal, Mailbox: localPart(req.Candidate)}
		}
		return VerifyResult{Status: StatusRejected, ResponseCode: 550, ResponseText: "rejected by policy"}

	case KindFile:
		return v.runFile(ctx, req)

	case KindNet:
		return v.runNet(ctx, req)

	case KindChain:
		for _, sub := range v.spec.Chain {
			sv := &Verifier{spec: sub, netTimeout: v.netTimeout}
			res := sv.verify(ctx, req)
			if res.Status != StatusValidLocal || res.Mailbox != "" {
				return res
			}
		}
		return VerifyResult{Status: StatusValidRemote}

	default:
		return VerifyResult{Status: StatusRejected, ResponseCode: 554, ResponseText: "verifier misconfigured"}
	}
}

func (v *Verifier) runFile(ctx context.Context, req VerifyRequest) VerifyResult {
	cmd := exec.CommandContext(ctx, v.spec.Path, req.Candidate, req.From, req.ClientIP)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() >= 500 {
			return VerifyResult{Status: StatusRejected, ResponseCode: 550, ResponseText: "address rejected"}
		}
		return VerifyResult{Status: StatusRejected, ResponseCode: 451, ResponseText: "verifier error"}
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return VerifyResult{Status: StatusValidLocal, Mailbox: localPart(req.Candidate)}
	}
	return parseVerifierLine(line, req.Candidate)
}

func (v *Verifier) runNet(ctx context.Context, req VerifyRequest) VerifyResult {
	d := net.Dialer{Timeout: v.netTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(v.spec.Host, v.spec.Port))
	if err != nil {
		return VerifyResult{Status: StatusRejected, ResponseCode: 451, ResponseText: "verifier unreachable"}
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(v.netTimeout))

	if _, err := fmt.Fprintf(conn, "%s\n", req.Candidate); err != nil {
		return VerifyResult{Status: StatusRejected, ResponseCode: 451, ResponseText: "verifier write failed"}
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return VerifyResult{Status: StatusRejected, ResponseCode: 451, ResponseText: "verifier read failed"}
	}
	return parseVerifierLine(strings.TrimSpace(line), req.Candidate)
}

// parseVerifierLine parses a verifier reply: "local <mailbox>",
// "remote [forward_to]", "blackhole", or "reject <code> <text>".
func parseVerifierLine(line, candidate string) VerifyResult {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return VerifyResult{Status: StatusValidLocal, Mailbox: localPart(candidate)}
	}
	switch fields[0] {
	case "local":
		mailbox := localPart(candidate)
		if len(fields) > 1 {
			mailbox = fields[1]
		}
		return VerifyResult{Status: StatusValidLocal, Mailbox: mailbox}
	case "remote":
		forward := ""
		if len(fields) > 1 {
			forward = fields[1]
		}
		return VerifyResult{Status: StatusValidRemote, ForwardTo: forward}
	case "blackhole":
		return VerifyResult{Status: StatusBlackhole}
	case "reject":
		code := 550
		text := "address rejected"
		if len(fields) > 1 {
			fmt.Sscanf(fields[1], "%d", &code)
		}
		if len(fields) > 2 {
			text = strings.Join(fields[2:], " ")
		}
		return VerifyResult{Status: StatusRejected, ResponseCode: code, ResponseText: text}
	default:
		return VerifyResult{Status: StatusRejected, ResponseCode: 550, ResponseText: "unrecognised verifier reply"}
	}
}

func localPart(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[:i]
	}
	return addr
}
