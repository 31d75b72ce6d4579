package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/smtpd/internal/admin"
	"github.com/infodancer/smtpd/internal/authn"
	"github.com/infodancer/smtpd/internal/callout"
	"github.com/infodancer/smtpd/internal/config"
	"github.com/infodancer/smtpd/internal/forward"
	"github.com/infodancer/smtpd/internal/localdelivery"
	"github.com/infodancer/smtpd/internal/logging"
	"github.com/infodancer/smtpd/internal/metrics"
	"github.com/infodancer/smtpd/internal/oauth"
	"github.com/infodancer/smtpd/internal/reactor"
	"github.com/infodancer/smtpd/internal/resolver"
	"github.com/infodancer/smtpd/internal/rspamd"
	"github.com/infodancer/smtpd/internal/smtp"
	"github.com/infodancer/smtpd/internal/smtpclient"
	"github.com/infodancer/smtpd/internal/spamcheck"
	"github.com/infodancer/smtpd/internal/spool"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion))
	}

	store, err := spool.Open(cfg.Spool.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening spool: %v\n", err)
		os.Exit(1)
	}
	logger.Info("spool opened", slog.String("path", cfg.Spool.Path))

	spamChecker, _ := createSpamChecker(cfg, logger)
	if spamChecker != nil {
		defer func() {
			if err := spamChecker.Close(); err != nil {
				logger.Error("error closing spam checker", "error", err)
			}
		}()
	}

	var filter *callout.Filter
	if cfg.Filter.Specifier != "" {
		spec, err := callout.Parse(cfg.Filter.Specifier)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid filter specifier: %v\n", err)
			os.Exit(1)
		}
		filter = callout.NewFilter(spec, spamChecker)
	}

	var verifier *callout.Verifier
	if cfg.Verifier.Specifier != "" {
		spec, err := callout.Parse(cfg.Verifier.Specifier)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid verifier specifier: %v\n", err)
			os.Exit(1)
		}
		verifier = callout.NewVerifier(spec)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authenticator, oauthEnabled := createAuthenticator(ctx, cfg, logger)

	engine := smtp.NewEngine(smtp.EngineConfig{
		Domain:       cfg.Hostname,
		Spool:        store,
		Verifier:     verifier,
		Filter:       filter,
		TLSConfig:    tlsConfig,
		Authn:        authenticator,
		OAuthEnabled: oauthEnabled,
		MaxMsgSize:   int64(cfg.Limits.MaxMessageSize),
		Logger:       logger,
	})

	listenerSet, err := smtp.NewListenerSet(smtp.ListenerSetConfig{
		Engine:         engine,
		Listeners:      cfg.Listeners,
		IdleTimeout:    cfg.Timeouts.ConnectionTimeout(),
		CommandTimeout: cfg.Timeouts.CommandTimeout(),
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating listeners: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	var fwd *forward.Forwarder
	if cfg.Forward.Enabled {
		fwd, err = createForwarder(cfg, store, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating forwarder: %v\n", err)
			os.Exit(1)
		}
		r := reactor.New()
		fwd.RunOnReactor(ctx, r)
		go func() {
			if reason := r.Run(); reason != "" {
				logger.Info("forwarder reactor stopped", slog.String("reason", reason))
			}
		}()
	}

	if cfg.Admin.Enabled {
		if fwd == nil {
			fwd = forward.New(forward.Config{Store: store, Logger: logger})
		}
		adminListener := admin.NewListener(admin.Config{
			Address:        cfg.Admin.Address,
			Store:          store,
			Forwarder:      fwd,
			IdleTimeout:    cfg.Timeouts.ConnectionTimeout(),
			CommandTimeout: cfg.Timeouts.CommandTimeout(),
			Logger:         logger,
		})
		go func() {
			if err := adminListener.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("admin listener error", "error", err)
			}
		}()
		logger.Info("admin port enabled", slog.String("address", cfg.Admin.Address))
	}

	logger.Info("starting smtpd", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners))

	if err := listenerSet.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// createAuthenticator builds the smtp.Authenticator used for inbound AUTH,
// wiring a passwd-file PLAIN/LOGIN backend and, if configured, a JWT-backed
// OAUTHBEARER agent.
func createAuthenticator(ctx context.Context, cfg config.Config, logger *slog.Logger) (smtp.Authenticator, bool) {
	if !cfg.Auth.IsEnabled() && !cfg.Auth.OAuth.IsEnabled() {
		return nil, false
	}

	a := &authn.Authenticator{}

	if cfg.Auth.IsEnabled() {
		store, err := authn.LoadPasswdStore(cfg.Auth.CredentialBackend)
		if err != nil {
			logger.Error("error loading passwd store, AUTH PLAIN/LOGIN disabled", "error", err)
		} else {
			a.Passwd = store
			logger.Info("authentication enabled", "credential_backend", cfg.Auth.CredentialBackend)
		}
	}

	if cfg.Auth.OAuth.IsEnabled() {
		agent, err := oauth.NewJWTAgent(ctx, oauth.JWTAgentConfig{
			JWKSURL:         cfg.Auth.OAuth.JWKSURL,
			Issuer:          cfg.Auth.OAuth.Issuer,
			Audience:        cfg.Auth.OAuth.Audience,
			UsernameClaim:   cfg.Auth.OAuth.GetUsernameClaim(),
			RefreshInterval: cfg.Auth.OAuth.GetJWKSRefreshInterval(),
			AllowedDomains:  cfg.Auth.OAuth.AllowedDomains,
		})
		if err != nil {
			logger.Error("error creating OAuth agent, AUTH OAUTHBEARER disabled", "error", err)
		} else {
			a.OAuth = agent
			logger.Info("OAUTHBEARER authentication enabled", "issuer", cfg.Auth.OAuth.Issuer)
		}
	}

	return a, a.OAuth != nil
}

// createForwarder builds the forwarder that drives spooled to_remote
// messages to cfg.Forward.DefaultTarget, and delivers any remaining
// to_local recipients locally.
func createForwarder(cfg config.Config, store *spool.Store, logger *slog.Logger) (*forward.Forwarder, error) {
	var res *resolver.Resolver
	if cfg.Forward.Nameserver != "" {
		var err error
		res, err = resolver.New(cfg.Forward.Nameserver, cfg.Timeouts.ConnectionTimeout())
		if err != nil {
			return nil, fmt.Errorf("creating resolver: %w", err)
		}
	}

	var clientFilter *callout.Filter
	if cfg.Forward.ClientFilter != "" {
		spec, err := callout.Parse(cfg.Forward.ClientFilter)
		if err != nil {
			return nil, fmt.Errorf("invalid forward.client_filter: %w", err)
		}
		clientFilter = callout.NewFilter(spec, nil)
	}

	var creds *smtpclient.Credentials
	if cfg.Forward.Username != "" {
		creds = &smtpclient.Credentials{Username: cfg.Forward.Username, Password: cfg.Forward.Password}
	}

	return forward.New(forward.Config{
		Store:         store,
		Resolver:      res,
		DefaultTarget: cfg.Forward.DefaultTarget,
		Filter:        clientFilter,
		LocalDelivery: localdelivery.NewMaildirAgent(cfg.Delivery.BasePath),
		ClientConfig: smtpclient.Config{
			Credentials:               creds,
			MustAcceptAllRecipients:   cfg.Forward.MustAcceptAllRecipients,
			AuthenticationFallthrough: cfg.Forward.AuthenticationFallthrough,
			EightbitStrict:            cfg.Forward.EightbitStrict,
			SMTPUTF8Strict:            cfg.Forward.SMTPUTF8Strict,
			UseStartTLSIfPossible:     cfg.Forward.UseStartTLS,
			MustUseTLS:                cfg.Forward.MustUseTLS,
		},
		RetryThreshold: cfg.Forward.RetryThreshold,
		BaseInterval:   cfg.Forward.BaseIntervalDuration(),
		MaxInterval:    cfg.Forward.MaxIntervalDuration(),
		PollInterval:   cfg.Forward.PollIntervalDuration(),
		Logger:         logger,
	}), nil
}

// createSpamChecker creates a spam checker from the configuration.
func createSpamChecker(cfg config.Config, logger *slog.Logger) (spamcheck.Checker, config.SpamCheckConfig) {
	if !cfg.SpamCheck.IsEnabled() {
		return nil, config.SpamCheckConfig{}
	}

	checkers, names := createCheckersFromConfig(cfg.SpamCheck, logger)
	if len(checkers) == 0 {
		return nil, config.SpamCheckConfig{}
	}

	logger.Info("spam checking enabled",
		"checkers", names,
		"mode", cfg.SpamCheck.Mode,
		"fail_mode", cfg.SpamCheck.GetFailMode(),
		"reject_threshold", cfg.SpamCheck.RejectThreshold)

	if len(checkers) == 1 {
		return checkers[0], cfg.SpamCheck
	}

	// Use multi-checker for multiple checkers
	multiConfig := spamcheck.MultiConfig{
		Mode:              cfg.SpamCheck.Mode,
		FailMode:          spamcheck.FailMode(cfg.SpamCheck.FailMode),
		RejectThreshold:   cfg.SpamCheck.RejectThreshold,
		TempFailThreshold: cfg.SpamCheck.TempFailThreshold,
		AddHeaders:        cfg.SpamCheck.AddHeaders,
	}
	return spamcheck.NewMultiChecker(checkers, multiConfig), cfg.SpamCheck
}

// createCheckersFromConfig creates spam checkers from the spamcheck config.
func createCheckersFromConfig(cfg config.SpamCheckConfig, logger *slog.Logger) ([]spamcheck.Checker, []string) {
	var checkers []spamcheck.Checker
	var names []string

	for _, checkerCfg := range cfg.Checkers {
		if !checkerCfg.IsEnabled() {
			continue
		}

		switch checkerCfg.Type {
		case "rspamd":
			checker := rspamd.NewChecker(checkerCfg.URL, checkerCfg.Password, checkerCfg.GetTimeout())
			checkers = append(checkers, checker)
			names = append(names, "rspamd")
			logger.Debug("created rspamd checker", "url", checkerCfg.URL)

		// Add more checker types here as they're implemented:
		// case "spamassassin":
		//     checker := spamassassin.NewChecker(checkerCfg.URL, checkerCfg.GetTimeout())
		//     checkers = append(checkers, checker)
		//     names = append(names, "spamassassin")

		default:
			logger.Warn("unknown spam checker type", "type", checkerCfg.Type)
		}
	}

	return checkers, names
}
