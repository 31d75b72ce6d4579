// Package admin implements the admin TCP port described in SPEC_FULL.md
// §12: a line-oriented, localhost-facing command surface for operators to
// poke the forwarder and inspect spool state without touching the
// filesystem directly. It carries exactly the three verbs the original
// implementation's admin surface exposes: flush, notify, list.
package admin

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/forward"
	"github.com/infodancer/smtpd/internal/server"
	"github.com/infodancer/smtpd/internal/spool"
)

// Forwarder is the subset of *forward.Forwarder the admin port drives.
type Forwarder interface {
	Pass(ctx context.Context) (forward.Summary, error)
	Notify(ctx context.Context, id spool.MessageID) error
}

// Config holds the configuration needed to build an admin listener.
type Config struct {
	Address        string
	Store          *spool.Store
	Forwarder      Forwarder
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

// NewListener builds a *server.Listener serving the admin command surface.
// Callers run it the same way any other listener is run: Start(ctx) blocks
// until ctx is cancelled.
func NewListener(cfg Config) *server.Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &admin{store: cfg.Store, forwarder: cfg.Forwarder, logger: logger}

	return server.NewListener(server.ListenerConfig{
		Address:        cfg.Address,
		Mode:           config.ModeSmtp,
		IdleTimeout:    cfg.IdleTimeout,
		CommandTimeout: cfg.CommandTimeout,
		Logger:         logger,
		Handler:        a.handle,
	})
}

type admin struct {
	store     *spool.Store
	forwarder Forwarder
	logger    *slog.Logger
}

func (a *admin) handle(ctx context.Context, conn *server.Connection) {
	w := conn.Writer()
	r := conn.Reader()

	fmt.Fprintf(w, "200 admin ready\r\n") //nolint:errcheck
	w.Flush()                            //nolint:errcheck

	for {
		if err := conn.SetCommandTimeout(); err != nil {
			return
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if err := conn.ResetIdleTimeout(); err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		verb := strings.ToLower(fields[0])

		switch verb {
		case "flush":
			a.flush(ctx, w)
		case "notify":
			a.notify(ctx, w, fields[1:])
		case "list":
			a.list(w)
		case "quit":
			fmt.Fprintf(w, "200 bye\r\n") //nolint:errcheck
			w.Flush()                    //nolint:errcheck
			return
		default:
			fmt.Fprintf(w, "500 unknown command\r\n") //nolint:errcheck
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (a *admin) flush(ctx context.Context, w *bufio.Writer) {
	sum, err := a.forwarder.Pass(ctx)
	if err != nil {
		a.logger.Error("admin: flush failed", slog.String("error", err.Error()))
		fmt.Fprintf(w, "500 flush failed: %s\r\n", err) //nolint:errcheck
		return
	}
	fmt.Fprintf(w, "200 flushed attempted=%d delivered=%d deferred=%d failed=%d\r\n",
		sum.Attempted, sum.Delivered, sum.Deferred, sum.Failed) //nolint:errcheck
}

func (a *admin) notify(ctx context.Context, w *bufio.Writer, args []string) {
	if len(args) != 1 {
		fmt.Fprintf(w, "500 usage: notify <message-id>\r\n") //nolint:errcheck
		return
	}
	id := spool.MessageID(args[0])
	if err := a.forwarder.Notify(ctx, id); err != nil {
		a.logger.Error("admin: notify failed", slog.String("id", string(id)), slog.String("error", err.Error()))
		fmt.Fprintf(w, "500 notify failed: %s\r\n", err) //nolint:errcheck
		return
	}
	fmt.Fprintf(w, "200 notified %s\r\n", id) //nolint:errcheck
}

func (a *admin) list(w *bufio.Writer) {
	entries, err := a.store.List()
	if err != nil {
		fmt.Fprintf(w, "500 list failed: %s\r\n", err) //nolint:errcheck
		return
	}
	var new, locked, bad int
	for _, e := range entries {
		switch e.State {
		case spool.StateNew:
			new++
		case spool.StateLocked:
			locked++
		case spool.StateBad:
			bad++
		}
	}
	fmt.Fprintf(w, "200 new=%d locked=%d bad=%d total=%d\r\n", new, locked, bad, len(entries)) //nolint:errcheck
}
