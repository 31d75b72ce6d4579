// Package reputation tracks per-client-IP connection rate and abuse
// history in Redis for a connect-time accept/reject decision: a small
// client wrapping one external service behind a narrow interface, in the
// style of internal/rspamd. No other package in this module calls it.
package reputation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Verdict is the connect-time decision for a client IP.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictThrottle
	VerdictDeny
)

// Store tracks connection counts and penalty scores per client IP.
type Store struct {
	rdb    *redis.Client
	window time.Duration
	prefix string
}

// Config configures the reputation store's Redis connection and
// rate-limit thresholds.
type Config struct {
	Addr            string
	Password        string
	DB              int
	Window          time.Duration // sliding window for connection counting
	MaxPerWindow    int64         // connections allowed per IP per window before throttling
	DenyScoreLimit  int64         // cumulative penalty score at which an IP is denied outright
	KeyPrefix       string
}

// NewStore builds a Store from Config, dialing eagerly so misconfiguration
// surfaces at startup rather than on the first connection.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("reputation: connecting to redis at %s: %w", cfg.Addr, err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "smtpd:rep:"
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Store{rdb: rdb, window: window, prefix: prefix}, nil
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) countKey(ip string) string   { return s.prefix + "count:" + ip }
func (s *Store) penaltyKey(ip string) string { return s.prefix + "penalty:" + ip }

// RecordConnection increments the connection counter for ip within the
// current sliding window and returns how many connections have been seen.
func (s *Store) RecordConnection(ctx context.Context, ip string) (int64, error) {
	key := s.countKey(ip)
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("reputation: recording connection for %s: %w", ip, err)
	}
	return incr.Val(), nil
}

// Penalize adds delta to ip's cumulative penalty score (e.g. on protocol
// violations, rejected RCPTs, or DNSBL hits), with a 24h decay so
// transient abuse does not permanently ban an address.
func (s *Store) Penalize(ctx context.Context, ip string, delta int64) (int64, error) {
	key := s.penaltyKey(ip)
	pipe := s.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("reputation: penalizing %s: %w", ip, err)
	}
	return incr.Val(), nil
}

// Evaluate decides whether a connecting IP should be accepted, throttled,
// or denied, combining the sliding-window connection count against
// maxPerWindow and the cumulative penalty score against denyScoreLimit.
func (s *Store) Evaluate(ctx context.Context, ip string, cfg Config) (Verdict, error) {
	penaltyStr, err := s.rdb.Get(ctx, s.penaltyKey(ip)).Result()
	var penalty int64
	if err == nil {
		fmt.Sscanf(penaltyStr, "%d", &penalty)
	} else if err != redis.Nil {
		return VerdictAccept, fmt.Errorf("reputation: reading penalty for %s: %w", ip, err)
	}
	if cfg.DenyScoreLimit > 0 && penalty >= cfg.DenyScoreLimit {
		return VerdictDeny, nil
	}

	countStr, err := s.rdb.Get(ctx, s.countKey(ip)).Result()
	var count int64
	if err == nil {
		fmt.Sscanf(countStr, "%d", &count)
	} else if err != redis.Nil {
		return VerdictAccept, fmt.Errorf("reputation: reading count for %s: %w", ip, err)
	}
	if cfg.MaxPerWindow > 0 && count >= cfg.MaxPerWindow {
		return VerdictThrottle, nil
	}
	return VerdictAccept, nil
}

// Reset clears all recorded state for ip.
func (s *Store) Reset(ctx context.Context, ip string) error {
	if err := s.rdb.Del(ctx, s.countKey(ip), s.penaltyKey(ip)).Err(); err != nil {
		return fmt.Errorf("reputation: resetting %s: %w", ip, err)
	}
	return nil
}
