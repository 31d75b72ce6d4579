package smtp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/server"
)

// ListenerSet wraps one internal/server.Listener per configured address,
// all driven by the same Engine, providing the multi-mode (smtp,
// submission, smtps, alt) listener support the teacher's go-smtp-backed
// Server used to provide.
type ListenerSet struct {
	listeners []*server.Listener
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// ListenerSetConfig configures a ListenerSet.
type ListenerSetConfig struct {
	Engine         *Engine
	Listeners      []config.ListenerConfig
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// NewListenerSet builds one server.Listener per configured address,
// all sharing engine for protocol handling.
func NewListenerSet(cfg ListenerSetConfig) (*ListenerSet, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	set := &ListenerSet{logger: logger}
	for _, lc := range cfg.Listeners {
		if lc.Mode == config.ModeSmtps && cfg.Engine.tlsConfig == nil {
			return nil, fmt.Errorf("listener %s: TLS required for smtps mode but not configured", lc.Address)
		}
		ln := server.NewListener(server.ListenerConfig{
			Address:        lc.Address,
			Mode:           lc.Mode,
			TLSConfig:      cfg.Engine.tlsConfig,
			IdleTimeout:    cfg.IdleTimeout,
			CommandTimeout: cfg.CommandTimeout,
			LogTransaction: cfg.LogTransaction,
			Logger:         logger,
			Handler:        cfg.Engine.Handle,
		})
		set.listeners = append(set.listeners, ln)
	}
	return set, nil
}

// Run starts every listener and blocks until ctx is cancelled or a
// listener fails to start.
func (s *ListenerSet) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, len(s.listeners))

	for _, ln := range s.listeners {
		s.wg.Add(1)
		go func(ln *server.Listener) {
			defer s.wg.Done()
			if err := ln.Start(runCtx); err != nil {
				errCh <- err
			}
		}(ln)
	}

	var firstErr error
	select {
	case <-ctx.Done():
	case firstErr = <-errCh:
		s.logger.Error("listener error", slog.String("error", firstErr.Error()))
		cancel()
	}
	s.logger.Info("shutting down listeners")
	s.wg.Wait()

	close(errCh)
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}
