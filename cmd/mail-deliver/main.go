// Command mail-deliver receives a message delivery request via stdin and writes
// it to a maildir. It runs as a process of its own (smtpd does not start it),
// which gives process isolation and an optional privilege drop.
//
// Wire format: JSON envelope on stdin line 1 (newline-terminated), followed by
// raw RFC 5322 message bytes until EOF.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/localdelivery"
	"github.com/infodancer/smtpd/internal/maildeliver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mail-deliver:", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.ParseFlags()
	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Read JSON envelope from the first line of stdin.
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return fmt.Errorf("reading envelope: %w", err)
	}

	var req maildeliver.DeliverRequest
	if err := json.Unmarshal([]byte(strings.TrimRight(line, "\n")), &req); err != nil {
		return fmt.Errorf("parsing envelope: %w", err)
	}
	if req.Version != maildeliver.Version {
		return fmt.Errorf("unsupported envelope version %d (want %d)", req.Version, maildeliver.Version)
	}
	if len(req.Recipients) == 0 {
		return fmt.Errorf("no recipients in envelope")
	}

	// Read the message body (rest of stdin, after the JSON line).
	msgBytes, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	// Drop privileges before touching any maildir files.
	// GID must be set before UID (setting UID first would drop the ability to setgid).
	if req.GID > 0 {
		if err := syscall.Setresgid(req.GID, req.GID, req.GID); err != nil {
			return fmt.Errorf("setresgid(%d): %w", req.GID, err)
		}
	}
	if req.UID > 0 {
		if err := syscall.Setresuid(req.UID, req.UID, req.UID); err != nil {
			return fmt.Errorf("setresuid(%d): %w", req.UID, err)
		}
	}

	if cfg.Delivery.BasePath == "" {
		return fmt.Errorf("no delivery base_path configured")
	}
	agent := localdelivery.NewMaildirAgent(cfg.Delivery.BasePath)

	ctx := context.Background()

	// Deliver to each recipient independently so one failure doesn't abort
	// the rest; every failure is reported together in the returned error.
	var errs []error
	for _, recipient := range req.Recipients {
		env := localdelivery.Envelope{
			From:           req.Sender,
			Recipient:      recipient,
			ClientIP:       req.ClientIP,
			ClientHostname: req.ClientHostname,
		}
		if err := agent.Deliver(ctx, env, bytes.NewReader(msgBytes)); err != nil {
			errs = append(errs, fmt.Errorf("delivering to %s: %w", recipient, err))
		}
	}

	return errors.Join(errs...)
}
