package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/goldencompasses/lodge/api"
	"github.com/goldencompasses/lodge/internal/config"
	"github.com/goldencompasses/lodge/internal/util"
	"github.com/goldencompasses/lodge/web"
)

var (
	addr           string
	storageBackend string
	dbPath         string
	databaseURL    string
	tlsCert        string
	tlsKey         string
	selfSigned     bool
	documentsDir   string
	trustedProxies []string
	sweepInterval  time.Duration
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the access control server",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.StringVarP(&addr, "addr", "a", "", "Address to listen on (default :8443)")
	f.StringVar(&storageBackend, "storage", "", "Storage backend: memory, bbolt or postgres")
	f.StringVar(&dbPath, "db-path", "", "Path to the bbolt database file")
	f.StringVar(&databaseURL, "database-url", "", "Postgres connection string")
	f.StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	f.BoolVar(&selfSigned, "self-signed", false, "Serve TLS with a generated self-signed certificate when no certificate is configured")
	f.StringVar(&documentsDir, "documents-dir", "", "Directory holding the members-only PDF documents")
	f.StringSliceVar(&trustedProxies, "trusted-proxies", nil, "CIDRs of reverse proxies whose forwarding headers are trusted")
	f.DurationVar(&sweepInterval, "session-sweep-interval", 10*time.Minute, "How often expired sessions and stale rate-limit counters are purged")
}

func serverFlags(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		f := cmd.Flags()
		if f.Changed("addr") {
			cfg.Server.Addr = addr
		}
		if f.Changed("storage") {
			cfg.Storage.Backend = storageBackend
		}
		if f.Changed("db-path") {
			cfg.Storage.Path = dbPath
		}
		if f.Changed("database-url") {
			cfg.Storage.DSN = databaseURL
		}
		if f.Changed("tls-cert") {
			cfg.Server.TLSCert = tlsCert
		}
		if f.Changed("tls-key") {
			cfg.Server.TLSKey = tlsKey
		}
		if f.Changed("documents-dir") {
			cfg.Server.DocumentsDir = documentsDir
		}
		if f.Changed("trusted-proxies") {
			cfg.Server.TrustedProxies = trustedProxies
		}
	}
}

func buildAPI(s *stack) (*api.API, error) {
	cfg := s.cfg
	proxies, err := api.WithTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	page, err := web.Handler()
	if err != nil {
		return nil, err
	}
	opts := []api.Option{
		api.WithLogger(s.logger),
		proxies,
		api.WithTwoFactorPage(page),
		api.WithVersion(Version),
		api.WithAlertFunc(func(e api.AlertEvent) {
			s.logger.Warn("security alert", "type", string(e.Type), "message", e.Message, "count", e.Count, "threshold", e.Threshold)
		}),
	}
	if s.health != nil {
		opts = append(opts, api.WithHealthCheck(s.health))
	}
	if cfg.Server.DocumentsDir != "" {
		docs, err := api.NewDirDocumentSource(cfg.Server.DocumentsDir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, api.WithDocuments(docs))
	}
	if cfg.Audit.WebhookURL != "" {
		opts = append(opts, api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookHeader))
	}
	return api.New(s.svc, opts...), nil
}

func serverTLSConfig(cfg *config.Config) (*tls.Config, error) {
	var cert tls.Certificate
	switch {
	case cfg.Server.TLSCert != "":
		c, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cert = c
	case selfSigned:
		c, err := util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		cert = c
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	default:
		return nil, nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(serverFlags(cmd))
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	a, err := buildAPI(s)
	if err != nil {
		return err
	}
	defer a.Close()

	tlsConfig, err := serverTLSConfig(cfg)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(api.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Mount("/", a.Router())

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.svc.RunSweeper(sweepCtx, sweepInterval)

	done := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner()
	logger.Info("server started",
		"addr", cfg.Server.Addr,
		"storage", cfg.Storage.Backend,
		"tls", tlsConfig != nil,
		"documents", cfg.Server.DocumentsDir != "",
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
