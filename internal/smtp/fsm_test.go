package smtp

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/infodancer/smtpd/internal/callout"
)

func TestFinishMessageCommitsToSpool(t *testing.T) {
	srv := newTestEngine(t)
	sess := NewSession(ConnectionInfo{ClientIP: "203.0.113.1:9000"}, DefaultLimits(), nil)
	ctx := context.Background()

	srv.dispatch(ctx, sess, "EHLO client.example.com")
	srv.dispatch(ctx, sess, "MAIL FROM:<sender@example.com>")
	srv.dispatch(ctx, sess, "RCPT TO:<rcpt@example.com>")

	body := bytes.NewBufferString("Subject: test\r\n\r\nhello world\r\n")
	res, err := srv.finishMessage(ctx, sess, body)
	if err != nil {
		t.Fatalf("finishMessage: %v", err)
	}
	if res.Code != 250 {
		t.Fatalf("expected 250, got %+v", res)
	}
	if !strings.Contains(res.Message, "queued as") {
		t.Fatalf("expected queued confirmation, got %q", res.Message)
	}

	entries, err := srv.Spool.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one spooled message, got %d", len(entries))
	}
}

func TestFinishMessageRejectedByFilter(t *testing.T) {
	srv := newTestEngine(t)
	spec, _ := callout.Parse("exit:550")
	srv.Filter = callout.NewFilter(spec, nil)

	sess := NewSession(ConnectionInfo{}, DefaultLimits(), nil)
	ctx := context.Background()
	srv.dispatch(ctx, sess, "EHLO client.example.com")
	srv.dispatch(ctx, sess, "MAIL FROM:<sender@example.com>")
	srv.dispatch(ctx, sess, "RCPT TO:<rcpt@example.com>")

	body := bytes.NewBufferString("body\r\n")
	res, err := srv.finishMessage(ctx, sess, body)
	if err != nil {
		t.Fatalf("finishMessage: %v", err)
	}
	if res.Code != 554 {
		t.Fatalf("expected 554 permanent rejection, got %+v", res)
	}

	entries, _ := srv.Spool.List()
	if len(entries) != 0 {
		t.Fatalf("rejected message should not be committed, got %d entries", len(entries))
	}
}

func TestUnstuffDot(t *testing.T) {
	if got := string(unstuffDot([]byte("..leading dot"))); got != ".leading dot" {
		t.Fatalf("unexpected unstuff result: %q", got)
	}
	if got := string(unstuffDot([]byte("no dot"))); got != "no dot" {
		t.Fatalf("unexpected unstuff result: %q", got)
	}
}

func TestIsDotTerminator(t *testing.T) {
	if !isDotTerminator([]byte(".")) {
		t.Fatal("expected bare dot to be recognized as terminator")
	}
	if isDotTerminator([]byte("..")) {
		t.Fatal("did not expect a stuffed dot line to be a terminator")
	}
}
