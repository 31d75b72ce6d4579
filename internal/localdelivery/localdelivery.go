// Package localdelivery fans local-recipient messages out to per-user
// Maildirs (spec.md §4.8 "Local delivery"), replacing the teacher's
// opaque msgstore.DeliveryAgent abstraction with a concrete Maildir
// writer built on github.com/emersion/go-maildir.
package localdelivery

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/emersion/go-maildir"
)

// Envelope carries the per-recipient delivery metadata, mirroring the
// maildeliver wire envelope's fields but scoped to a single recipient.
type Envelope struct {
	From           string
	Recipient      string
	ClientIP       string
	ClientHostname string
}

// Agent delivers one message to one mailbox. It is the seam the
// forwarder's to_local path and cmd/mail-deliver both write through, and
// the interface a test fake implements in place of a real Maildir.
type Agent interface {
	Deliver(ctx context.Context, env Envelope, message io.Reader) error
}

// MaildirAgent resolves a recipient mailbox to a per-user Maildir rooted
// under BaseDir/<domain>/<localpart>/Maildir, mirroring the layout
// cmd/mail-deliver's per-domain store configuration assumed.
type MaildirAgent struct {
	BaseDir string

	mu   sync.Mutex
	dirs map[string]maildir.Dir
}

// NewMaildirAgent builds an Agent rooted at baseDir.
func NewMaildirAgent(baseDir string) *MaildirAgent {
	return &MaildirAgent{BaseDir: baseDir, dirs: make(map[string]maildir.Dir)}
}

// Deliver writes message into the recipient's Maildir "new" subdirectory
// using go-maildir's atomic tmp-then-rename delivery, committing only
// after the full body has been written successfully.
func (a *MaildirAgent) Deliver(ctx context.Context, env Envelope, message io.Reader) error {
	dir, err := a.dirFor(env.Recipient)
	if err != nil {
		return err
	}

	delivery, err := dir.NewDelivery()
	if err != nil {
		return fmt.Errorf("localdelivery: opening delivery for %s: %w", env.Recipient, err)
	}

	if _, err := io.Copy(delivery, message); err != nil {
		delivery.Abort() //nolint:errcheck
		return fmt.Errorf("localdelivery: writing message for %s: %w", env.Recipient, err)
	}
	if err := delivery.Close(); err != nil {
		return fmt.Errorf("localdelivery: committing message for %s: %w", env.Recipient, err)
	}
	return nil
}

func (a *MaildirAgent) dirFor(recipient string) (maildir.Dir, error) {
	localPart, domainPart := splitAddress(recipient)
	if localPart == "" || domainPart == "" {
		return "", fmt.Errorf("localdelivery: cannot derive mailbox path from %q", recipient)
	}

	key := domainPart + "/" + localPart
	a.mu.Lock()
	defer a.mu.Unlock()

	if d, ok := a.dirs[key]; ok {
		return d, nil
	}

	path := filepath.Join(a.BaseDir, domainPart, localPart, "Maildir")
	d := maildir.Dir(path)
	if err := d.Init(); err != nil {
		return "", fmt.Errorf("localdelivery: initializing maildir at %s: %w", path, err)
	}
	a.dirs[key] = d
	return d, nil
}

func splitAddress(addr string) (local, domain string) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[:i], addr[i+1:]
		}
	}
	return addr, ""
}
