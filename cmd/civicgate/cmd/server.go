package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmcleod/civicgate/api"
	"github.com/jmcleod/civicgate/config"
	"github.com/jmcleod/civicgate/internal/logging"
	"github.com/jmcleod/civicgate/internal/util"
	"github.com/jmcleod/civicgate/token"
)

var (
	addr    string
	dataDir string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer memguard.Purge()

		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Addr = addr
		}
		if cmd.Flags().Changed("data-dir") {
			cfg.DataDir = dataDir
		}
		logger, err := logging.New(logging.ConfigFromEnv())
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		// Built before any store is opened.
		tokens, err := token.New([]byte(cfg.SigningSecret),
			token.WithTTL(cfg.TokenTTL),
			token.WithFreshTTL(cfg.FreshTTL),
			token.WithIssuer(cfg.TokenIssuer),
		)
		if err != nil {
			return fmt.Errorf("CIVICGATE_SIGNING_SECRET: %w", err)
		}

		ctx := cmd.Context()

		kv, err := openKV(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer kv.Close()

		ids, err := openIdentities(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer ids.Close()

		if err := bootstrapAdmin(ctx, cfg, ids, logger); err != nil {
			return err
		}

		a := api.New(tokens, kv, ids, apiOptions(cfg, logger)...)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := a.Close(ctx); err != nil {
				logger.Warn("flushing audit webhook", zap.Error(err))
			}
		}()

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ErrorLog:          zap.NewStdLog(logger.Named("http")),
		}
		if !cfg.PlainHTTP {
			tlsConfig, err := serverTLSConfig(cfg, logger)
			if err != nil {
				return err
			}
			server.TLSConfig = tlsConfig
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if cfg.PlainHTTP {
				err = server.ListenAndServe()
			} else {
				err = server.ListenAndServeTLS("", "")
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("listening",
			zap.String("addr", cfg.Addr),
			zap.Bool("tls", !cfg.PlainHTTP),
			zap.String("store", cfg.StoreBackend),
			zap.String("identities", cfg.IdentityBackend),
		)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", zap.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func apiOptions(cfg *config.Config, logger *zap.Logger) []api.Option {
	// Validate has already parsed the proxy list.
	proxies, _ := cfg.TrustedProxyPrefixes()

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithLimits(api.Limits{
			Burst:         cfg.BurstLimit,
			Anonymous:     cfg.AnonymousLimit,
			Authenticated: cfg.AuthenticatedLimit,
		}),
		api.WithWindows(cfg.BurstWindow, cfg.SustainedWindow),
		api.WithLoginLimit(cfg.LoginLimit),
		api.WithTOTPAttempts(cfg.TOTPMaxAttempts, cfg.TOTPAttemptWindow),
		api.WithTOTPIssuer(cfg.TOTPIssuer),
		api.WithCSRFExempt(cfg.CSRFExempt...),
		api.WithLegacyBearerAuth(cfg.LegacyBearerAuth),
		api.WithTrustedProxyPrefixes(proxies),
		api.WithCORSOrigins(cfg.CORSOrigins...),
		api.WithAuditWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookHeader),
		api.WithAlertFunc(func(ev api.AlertEvent) {
			logger.Error("security alert",
				zap.String("type", string(ev.Type)),
				zap.String("message", ev.Message),
				zap.Int("count", ev.Count),
				zap.Int("threshold", ev.Threshold),
			)
		}),
	}
	if cfg.LegacyBearerAuth {
		logger.Warn("legacy bearer authentication is enabled")
	}
	return opts
}

func serverTLSConfig(cfg *config.Config, logger *zap.Logger) (*tls.Config, error) {
	var cert tls.Certificate
	if cfg.TLSCert != "" {
		c, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cert = c
	} else {
		c, err := util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		cert = c
		logger.Warn("using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&addr, "addr", ":8443", "Address to listen on (overrides CIVICGATE_ADDR)")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for the bbolt store (overrides CIVICGATE_DATA_DIR)")
}
