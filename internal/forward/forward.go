// Package forward implements the forwarder described in spec.md §4.7: it
// drives submission of spooled to_remote messages to an upstream server
// through internal/smtpclient, and performs local delivery of any
// to_local recipients the spool entry still carries once the remote leg
// (if any) is settled — spec.md names no separate driver for the to_local
// half of §4.8 beyond the Agent contract itself, so this package owns
// both halves of "what happens to one spool entry" the way the teacher's
// single-pass forwarding loop would.
package forward

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/infodancer/smtpd/internal/callout"
	"github.com/infodancer/smtpd/internal/localdelivery"
	"github.com/infodancer/smtpd/internal/reactor"
	"github.com/infodancer/smtpd/internal/resolver"
	"github.com/infodancer/smtpd/internal/smtpclient"
	"github.com/infodancer/smtpd/internal/spool"
)

// Config configures a Forwarder.
type Config struct {
	Store          *spool.Store
	Resolver       *resolver.Resolver
	DefaultTarget  string // host:port, or a bare domain resolved via MX
	ClientConfig   smtpclient.Config
	Filter         *callout.Filter // optional client-side filter, spec.md §4.6/§4.7
	LocalDelivery  localdelivery.Agent
	RetryThreshold int
	BaseInterval   time.Duration
	MaxInterval    time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

func (c Config) retryThreshold() int {
	if c.RetryThreshold > 0 {
		return c.RetryThreshold
	}
	return 10
}

func (c Config) baseInterval() time.Duration {
	if c.BaseInterval > 0 {
		return c.BaseInterval
	}
	return 1 * time.Minute
}

func (c Config) maxInterval() time.Duration {
	if c.MaxInterval > 0 {
		return c.MaxInterval
	}
	return 1 * time.Hour
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 30 * time.Second
}

// Summary reports what one Pass did, for the admin "flush"/"notify"
// verbs and for logging.
type Summary struct {
	Attempted int
	Delivered int
	Deferred  int
	Failed    int
}

// Forwarder drives one spool directory's to_remote entries toward an
// upstream server, reopening the client connection whenever the
// resolved target changes (spec.md §4.7).
type Forwarder struct {
	cfg Config
	log *slog.Logger

	mu             sync.Mutex
	unconnectable  map[string]time.Time
	currentTarget  string
	currentClient  *smtpclient.Client
}

// New builds a Forwarder.
func New(cfg Config) *Forwarder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{cfg: cfg, log: logger, unconnectable: make(map[string]time.Time)}
}

// OnException satisfies reactor.Owner so a Forwarder can own its own
// poll timer.
func (f *Forwarder) OnException(err error) {
	f.log.Error("forwarder: reactor exception", slog.String("error", err.Error()))
}

// RunOnReactor arms a recurring poll timer on r that calls Pass every
// cfg.PollInterval, re-arming itself from within the callback per
// internal/reactor's one-shot-timer contract. It returns immediately;
// the reactor's own Run drives the schedule.
func (f *Forwarder) RunOnReactor(ctx context.Context, r *reactor.Reactor) {
	var tick func()
	tick = func() {
		if _, err := f.Pass(ctx); err != nil {
			f.log.Error("forwarder: pass failed", slog.String("error", err.Error()))
		}
		r.AddTimer(f.cfg.pollInterval(), f, tick)
	}
	r.AddTimer(f.cfg.pollInterval(), f, tick)
}

// Pass makes one sweep over the spool, attempting every StateNew entry
// whose next-attempt time has passed. It is idempotent and safe to call
// concurrently with the server FSM spooling new messages, since Acquire
// is the sole lock token.
func (f *Forwarder) Pass(ctx context.Context) (Summary, error) {
	var sum Summary
	defer f.closeClient()

	entries, err := f.cfg.Store.List()
	if err != nil {
		return sum, err
	}
	for _, entry := range entries {
		if entry.State != spool.StateNew {
			continue
		}
		env, err := f.cfg.Store.ReadEnvelopeFile(entry.ID, spool.StateNew)
		if err != nil {
			f.log.Warn("forwarder: unreadable envelope, skipping", slog.String("id", string(entry.ID)), slog.String("error", err.Error()))
			continue
		}
		if !env.HasRecipients() {
			continue
		}
		if !nextAttempt(env, f.cfg).Before(time.Now()) {
			continue
		}
		sum.Attempted++
		f.processOne(ctx, entry.ID, &sum)
	}
	return sum, nil
}

// Notify forwards a single named entry immediately, ignoring its
// next-attempt schedule — the admin port's "notify" verb, spec.md §12.
func (f *Forwarder) Notify(ctx context.Context, id spool.MessageID) error {
	var sum Summary
	f.processOne(ctx, id, &sum)
	return nil
}

func nextAttempt(env *spool.Envelope, cfg Config) time.Time {
	backoff := time.Duration(math.Pow(2, float64(env.RetryCount))) * cfg.baseInterval()
	if backoff > cfg.maxInterval() {
		backoff = cfg.maxInterval()
	}
	return env.Timestamp.Add(backoff)
}

func (f *Forwarder) processOne(ctx context.Context, id spool.MessageID, sum *Summary) {
	if err := f.cfg.Store.Acquire(id); err != nil {
		if err != spool.ErrNotFound {
			f.log.Warn("forwarder: acquire failed", slog.String("id", string(id)), slog.String("error", err.Error()))
		}
		return
	}
	env, err := f.cfg.Store.ReadEnvelopeFile(id, spool.StateLocked)
	if err != nil {
		f.log.Error("forwarder: reading locked envelope", slog.String("id", string(id)), slog.String("error", err.Error()))
		return
	}

	if len(env.ToRemote) > 0 {
		target := f.resolveTarget(env)
		if f.isUnconnectable(target) {
			f.cfg.Store.Release(id, env) //nolint:errcheck
			sum.Deferred++
			return
		}
		if f.cfg.Filter != nil {
			envelopePath := f.cfg.Store.EnvelopePath(id, spool.StateLocked)
			contentPath := f.cfg.Store.ContentPath(id)
			res, err := f.cfg.Filter.Run(ctx, string(id), envelopePath, contentPath)
			if err != nil || res.Verdict != callout.VerdictOK {
				f.handleFilterVerdict(id, env, res, err, sum)
				return
			}
		}
		ok := f.forwardOne(ctx, target, id, env, sum)
		if !ok {
			return
		}
		env.ToRemote = nil
	}

	if len(env.ToLocal) > 0 {
		if err := f.deliverLocal(ctx, id, env); err != nil {
			f.log.Error("forwarder: local delivery failed", slog.String("id", string(id)), slog.String("error", err.Error()))
			f.cfg.Store.Fail(id, env, "local delivery: "+err.Error(), f.cfg.retryThreshold()) //nolint:errcheck
			sum.Failed++
			return
		}
	}

	if err := f.cfg.Store.Complete(id); err != nil {
		f.log.Error("forwarder: completing spool entry", slog.String("id", string(id)), slog.String("error", err.Error()))
		return
	}
	sum.Delivered++
}

func (f *Forwarder) handleFilterVerdict(id spool.MessageID, env *spool.Envelope, res callout.Result, err error, sum *Summary) {
	reason := res.Reason
	if err != nil {
		reason = err.Error()
	}
	switch res.Verdict {
	case callout.VerdictAbandon:
		f.cfg.Store.Release(id, env) //nolint:errcheck
		sum.Deferred++
	case callout.VerdictFailRetryable:
		f.cfg.Store.Fail(id, env, reason, f.cfg.retryThreshold()) //nolint:errcheck
		sum.Deferred++
	default:
		env.Reason = reason
		f.cfg.Store.Fail(id, env, reason, 0) //nolint:errcheck
		sum.Failed++
	}
}

// forwardOne sends env's to_remote recipients to target via an
// internal/smtpclient.Client, reopening the connection if target has
// changed since the last message. It returns true if the caller should
// proceed to Complete (or local delivery of any remaining to_local
// recipients).
func (f *Forwarder) forwardOne(ctx context.Context, target string, id spool.MessageID, env *spool.Envelope, sum *Summary) bool {
	client, err := f.clientFor(ctx, target)
	if err != nil {
		f.markUnconnectable(target)
		f.cfg.Store.Fail(id, env, "connect: "+err.Error(), f.cfg.retryThreshold()) //nolint:errcheck
		sum.Deferred++
		return false
	}

	content, err := f.cfg.Store.ContentReader(id)
	if err != nil {
		f.cfg.Store.Fail(id, env, "content read: "+err.Error(), f.cfg.retryThreshold()) //nolint:errcheck
		sum.Deferred++
		return false
	}
	defer content.Close()

	res, err := client.Send(ctx, smtpclient.Message{
		From:       env.From,
		Recipients: env.ToRemote,
		Body:       env.Body,
		Size:       env.ContentSize,
		Content:    content,
	})
	if err != nil {
		f.closeClient()
		f.markUnconnectable(target)
		f.cfg.Store.Fail(id, env, "transport: "+err.Error(), f.cfg.retryThreshold()) //nolint:errcheck
		sum.Deferred++
		return false
	}

	if len(res.RejectedRecipients) > 0 && len(res.AcceptedRecipients) == 0 {
		env.Reason = res.Response
		f.cfg.Store.Fail(id, env, res.Response, 0) //nolint:errcheck
		sum.Failed++
		return false
	}
	if len(res.RejectedRecipients) > 0 {
		var remaining []string
		for _, rej := range res.RejectedRecipients {
			remaining = append(remaining, rej.Address)
		}
		env.ToRemote = remaining
		env.Reason = res.Response
		f.cfg.Store.Release(id, env) //nolint:errcheck
		sum.Deferred++
		return false
	}
	if !res.OK() {
		f.cfg.Store.Fail(id, env, res.Response, f.cfg.retryThreshold()) //nolint:errcheck
		sum.Deferred++
		return false
	}
	return true
}

func (f *Forwarder) deliverLocal(ctx context.Context, id spool.MessageID, env *spool.Envelope) error {
	if f.cfg.LocalDelivery == nil {
		return nil
	}
	for _, recipient := range env.ToLocal {
		content, err := f.cfg.Store.ContentReader(id)
		if err != nil {
			return err
		}
		deliverErr := f.cfg.LocalDelivery.Deliver(ctx, localdelivery.Envelope{
			From:           env.From,
			Recipient:      recipient,
			ClientIP:       env.ClientAddress,
		}, content)
		content.Close()
		if deliverErr != nil {
			return deliverErr
		}
	}
	return nil
}

func (f *Forwarder) resolveTarget(env *spool.Envelope) string {
	if env.ForwardTo != "" {
		return env.ForwardTo
	}
	return f.cfg.DefaultTarget
}

// clientFor returns a connected Client for target, reusing the current
// connection if target is unchanged (spec.md §4.7 "the existing client
// connection is torn down and a new one is opened" only on change).
func (f *Forwarder) clientFor(ctx context.Context, target string) (*smtpclient.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentClient != nil && f.currentTarget == target {
		return f.currentClient, nil
	}
	if f.currentClient != nil {
		f.currentClient.Close() //nolint:errcheck
		f.currentClient = nil
	}
	addr, err := f.resolveAddr(ctx, target)
	if err != nil {
		return nil, err
	}
	client, err := smtpclient.Dial(ctx, addr, f.cfg.ClientConfig)
	if err != nil {
		return nil, err
	}
	f.currentClient = client
	f.currentTarget = target
	return client, nil
}

func (f *Forwarder) closeClient() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.currentClient != nil {
		f.currentClient.Close() //nolint:errcheck
		f.currentClient = nil
		f.currentTarget = ""
	}
}

// resolveAddr turns target into a dialable host:port. A target already
// carrying a port is used as-is; a bare domain is resolved via MX
// (falling back to the domain itself as an A/AAAA host) per spec.md §6
// and SPEC_FULL.md §11's resolver wiring.
func (f *Forwarder) resolveAddr(ctx context.Context, target string) (string, error) {
	if strings.Contains(target, ":") {
		return target, nil
	}
	if f.cfg.Resolver == nil {
		return target + ":25", nil
	}
	hosts, err := f.cfg.Resolver.LookupMX(ctx, target)
	if err != nil || len(hosts) == 0 {
		return target + ":25", nil
	}
	return hosts[0] + ":25", nil
}

func (f *Forwarder) isUnconnectable(target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.unconnectable[target]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(f.unconnectable, target)
		return false
	}
	return true
}

func (f *Forwarder) markUnconnectable(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unconnectable[target] = time.Now().Add(f.cfg.pollInterval())
}
