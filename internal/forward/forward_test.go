package forward

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/smtpd/internal/localdelivery"
	"github.com/infodancer/smtpd/internal/smtpclient"
	"github.com/infodancer/smtpd/internal/spool"
)

func writeMessage(t *testing.T, store *spool.Store, env *spool.Envelope, body string) spool.MessageID {
	t.Helper()
	w, err := store.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Commit(env); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return w.ID()
}

func TestPassDeliversLocalOnlyMessage(t *testing.T) {
	dir := t.TempDir()
	store, err := spool.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	env := &spool.Envelope{
		Timestamp: time.Now().Add(-time.Hour),
		From:      "sender@example.com",
		ToLocal:   []string{"user@example.com"},
		Body:      spool.Body7Bit,
	}
	writeMessage(t, store, env, "Subject: hi\r\n\r\nhello\r\n")

	mock := &localdelivery.MockAgent{}
	fwd := New(Config{Store: store, LocalDelivery: mock})

	sum, err := fwd.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if sum.Delivered != 1 {
		t.Fatalf("expected 1 delivered, got %+v", sum)
	}
	if mock.LastEnvelope == nil || mock.LastEnvelope.Recipient != "user@example.com" {
		t.Fatalf("expected local delivery to user@example.com, got %+v", mock.LastEnvelope)
	}

	entries, _ := store.List()
	if len(entries) != 0 {
		t.Fatalf("expected spool empty after delivery, got %d entries", len(entries))
	}
}

// fakeUpstream accepts one connection and runs a minimal scripted SMTP
// exchange, then closes.
func fakeUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		w := bufio.NewWriter(conn)
		w.WriteString("220 upstream.example.com ESMTP ready\r\n") //nolint:errcheck
		w.Flush()                                                 //nolint:errcheck
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			verb := strings.ToUpper(strings.Fields(line)[0])
			switch verb {
			case "EHLO":
				w.WriteString("250 upstream.example.com\r\n") //nolint:errcheck
			case "MAIL":
				w.WriteString("250 2.1.0 ok\r\n") //nolint:errcheck
			case "RCPT":
				w.WriteString("250 2.1.5 ok\r\n") //nolint:errcheck
			case "DATA":
				w.WriteString("354 go\r\n") //nolint:errcheck
				w.Flush()                   //nolint:errcheck
				for {
					dl, derr := r.ReadString('\n')
					if derr != nil {
						return
					}
					if strings.TrimRight(dl, "\r\n") == "." {
						break
					}
				}
				w.WriteString("250 2.0.0 queued\r\n") //nolint:errcheck
			case "QUIT":
				w.WriteString("221 2.0.0 bye\r\n") //nolint:errcheck
				w.Flush()                          //nolint:errcheck
				return
			}
			w.Flush() //nolint:errcheck
		}
	}()
	return ln.Addr().String()
}

func TestPassForwardsRemoteMessage(t *testing.T) {
	dir := t.TempDir()
	store, err := spool.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	target := fakeUpstream(t)

	env := &spool.Envelope{
		Timestamp: time.Now().Add(-time.Hour),
		From:      "sender@example.com",
		ToRemote:  []string{"rcpt@remote.example.com"},
		Body:      spool.Body7Bit,
	}
	writeMessage(t, store, env, "Subject: hi\r\n\r\nhello\r\n")

	fwd := New(Config{Store: store, DefaultTarget: target, ClientConfig: smtpclient.Config{}})
	sum, err := fwd.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if sum.Delivered != 1 {
		t.Fatalf("expected 1 delivered, got %+v", sum)
	}

	entries, _ := store.List()
	if len(entries) != 0 {
		t.Fatalf("expected spool empty after forward, got %d entries", len(entries))
	}
}

func TestNextAttemptBacksOffExponentially(t *testing.T) {
	cfg := Config{BaseInterval: time.Minute, MaxInterval: time.Hour}
	base := time.Now()
	env := &spool.Envelope{Timestamp: base, RetryCount: 0}
	first := nextAttempt(env, cfg)
	env.RetryCount = 3
	later := nextAttempt(env, cfg)
	if !later.After(first) {
		t.Fatalf("expected higher retry_count to push next_attempt further out")
	}
}

func TestNextAttemptCapsAtMaxInterval(t *testing.T) {
	cfg := Config{BaseInterval: time.Minute, MaxInterval: 5 * time.Minute}
	base := time.Now()
	env := &spool.Envelope{Timestamp: base, RetryCount: 20}
	got := nextAttempt(env, cfg)
	want := base.Add(5 * time.Minute)
	if got.Sub(want) > time.Second || want.Sub(got) > time.Second {
		t.Fatalf("expected backoff capped at max_interval, got %v want ~%v", got, want)
	}
}
