package smtp

import (
	"context"
	"testing"

	"github.com/infodancer/smtpd/internal/callout"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := spoolOpenTemp(t)
	if err != nil {
		t.Fatalf("opening test spool: %v", err)
	}
	spec, _ := callout.Parse("exit:0")
	return NewEngine(EngineConfig{
		Domain:   "mx.example.com",
		Spool:    store,
		Verifier: callout.NewVerifier(spec),
	})
}

func TestHeloTransitionsToIdle(t *testing.T) {
	srv := newTestEngine(t)
	sess := NewSession(ConnectionInfo{ClientIP: "203.0.113.9:5000"}, DefaultLimits(), nil)

	res, matched := srv.dispatch(context.Background(), sess, "HELO client.example.com")
	if !matched || res.Code != 250 {
		t.Fatalf("unexpected result: %+v matched=%v", res, matched)
	}
	if sess.State() != StateIdle {
		t.Fatalf("expected StateIdle, got %v", sess.State())
	}
}

func TestMailBeforeHeloIsBadSequence(t *testing.T) {
	srv := newTestEngine(t)
	sess := NewSession(ConnectionInfo{}, DefaultLimits(), nil)

	res, matched := srv.dispatch(context.Background(), sess, "MAIL FROM:<a@example.com>")
	if !matched || res.Code != 503 {
		t.Fatalf("expected 503 bad sequence, got %+v", res)
	}
}

func TestFullTransactionReachesGotRcpt(t *testing.T) {
	srv := newTestEngine(t)
	sess := NewSession(ConnectionInfo{ClientIP: "127.0.0.1:5000"}, DefaultLimits(), nil)
	ctx := context.Background()

	if res, _ := srv.dispatch(ctx, sess, "EHLO client.example.com"); res.Code != 250 {
		t.Fatalf("EHLO failed: %+v", res)
	}
	if res, _ := srv.dispatch(ctx, sess, "MAIL FROM:<sender@example.com>"); res.Code != 250 {
		t.Fatalf("MAIL FROM failed: %+v", res)
	}
	res, matched := srv.dispatch(ctx, sess, "RCPT TO:<rcpt@example.com>")
	if !matched || res.Code != 250 {
		t.Fatalf("RCPT TO failed: %+v", res)
	}
	if sess.State() != StateGotRcpt {
		t.Fatalf("expected StateGotRcpt, got %v", sess.State())
	}
	if len(sess.toLocal) != 1 {
		t.Fatalf("expected one local recipient (verifier exit:0 means local), got %v/%v", sess.toLocal, sess.toRemote)
	}
}

func TestRsetClearsTransactionButNotHelo(t *testing.T) {
	srv := newTestEngine(t)
	sess := NewSession(ConnectionInfo{}, DefaultLimits(), nil)
	ctx := context.Background()

	srv.dispatch(ctx, sess, "HELO client.example.com")
	srv.dispatch(ctx, sess, "MAIL FROM:<a@example.com>")
	srv.dispatch(ctx, sess, "RSET")

	if sess.State() != StateIdle {
		t.Fatalf("expected StateIdle after RSET, got %v", sess.State())
	}
	if sess.helo == "" {
		t.Fatal("RSET should not clear HELO identity")
	}
	if sess.sender != "" {
		t.Fatal("RSET should clear MAIL FROM sender")
	}
}

func TestQuitClosesSession(t *testing.T) {
	srv := newTestEngine(t)
	sess := NewSession(ConnectionInfo{}, DefaultLimits(), nil)

	res, matched := srv.dispatch(context.Background(), sess, "QUIT")
	if !matched || !res.Close || sess.State() != StateEnd {
		t.Fatalf("unexpected QUIT handling: %+v state=%v", res, sess.State())
	}
}

func TestUnrecognizedCommandDoesNotMatch(t *testing.T) {
	srv := newTestEngine(t)
	sess := NewSession(ConnectionInfo{}, DefaultLimits(), nil)

	if _, matched := srv.dispatch(context.Background(), sess, "BOGUS"); matched {
		t.Fatal("expected no command to match an unrecognized verb")
	}
}
