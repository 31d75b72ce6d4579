package callout

import (
	"context"
	"testing"
	"time"
)

func TestVerifierExitZeroIsLocal(t *testing.T) {
	spec, _ := Parse("exit:0")
	v := NewVerifier(spec)
	ch := v.VerifyAsync(context.Background(), VerifyRequest{Candidate: "bob@example.com"})
	select {
	case res := <-ch:
		if res.Status != StatusValidLocal || res.Mailbox != "bob" {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("verifier did not resolve")
	}
}

func TestVerifierExitNonzeroIsRejected(t *testing.T) {
	spec, _ := Parse("exit:1")
	v := NewVerifier(spec)
	res := <-v.VerifyAsync(context.Background(), VerifyRequest{Candidate: "bob@example.com"})
	if res.Status != StatusRejected {
		t.Fatalf("expected rejected, got %+v", res)
	}
}

func TestParseVerifierLineVariants(t *testing.T) {
	if r := parseVerifierLine("local mailbox1", "x@y"); r.Status != StatusValidLocal || r.Mailbox != "mailbox1" {
		t.Fatalf("unexpected: %+v", r)
	}
	if r := parseVerifierLine("remote relay2.example.com:25", "x@y"); r.Status != StatusValidRemote || r.ForwardTo != "relay2.example.com:25" {
		t.Fatalf("unexpected: %+v", r)
	}
	if r := parseVerifierLine("blackhole", "x@y"); r.Status != StatusBlackhole {
		t.Fatalf("unexpected: %+v", r)
	}
	if r := parseVerifierLine("reject 551 mailbox unavailable", "x@y"); r.Status != StatusRejected || r.ResponseCode != 551 {
		t.Fatalf("unexpected: %+v", r)
	}
}
