package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/goldencompasses/lodge/auth"
	"github.com/goldencompasses/lodge/internal/config"
	"github.com/goldencompasses/lodge/internal/util"
	"github.com/goldencompasses/lodge/storage"
	bboltstorage "github.com/goldencompasses/lodge/storage/bbolt"
	"github.com/goldencompasses/lodge/storage/memory"
	"github.com/goldencompasses/lodge/storage/postgres"
	redisstorage "github.com/goldencompasses/lodge/storage/redis"
)

// cliIP is recorded as the client address for changes made from the
// command line.
const cliIP = "cli"

// stack is the opened storage and auth service shared by every command.
type stack struct {
	cfg    *config.Config
	logger *slog.Logger
	repo   storage.Repository
	keys   *auth.Keyring
	svc    *auth.Service
	// counters is set when rate limits live in Redis.
	counters *redisstorage.CounterStore
	// health reports whether storage is reachable; nil when there is
	// nothing to probe.
	health func(context.Context) error
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, func(context.Context) error, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.NewRepository(), nil, nil
	case config.BackendBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		// A running server holds the file lock; fail fast instead of hanging.
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Storage.Path, &bbolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s: %w", cfg.Storage.Path, err)
		}
		return repo, nil, nil
	case config.BackendPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.DB().PingContext, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func openKeyring(cfg *config.Config, logger *slog.Logger) (*auth.Keyring, error) {
	if cfg.Auth.SecretKey == "" {
		logger.Warn("no secret key configured; using an ephemeral key, pending logins and TOTP secrets will not survive a restart")
		return auth.GenerateKeyring()
	}
	secret, err := cfg.SecretKey()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(secret)
	return auth.NewKeyring(secret)
}

func openStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *stack, err error) {
	repo, health, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			repo.Close()
		}
	}()

	keys, err := openKeyring(cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []auth.Option{
		auth.WithLogger(logger),
		auth.WithPolicy(cfg.Policy()),
		auth.WithLimits(cfg.AuthLimits()),
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithPendingTTL(cfg.Auth.PendingTTL),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithDefaultEmail(cfg.Auth.DefaultEmail),
	}
	var counters *redisstorage.CounterStore
	if cfg.Storage.RedisAddr != "" {
		counters, err = redisstorage.New(ctx, redisstorage.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		if err != nil {
			keys.Destroy()
			return nil, err
		}
		opts = append(opts, auth.WithCounterStore(counters))
	}

	svc, err := auth.NewService(repo, keys, opts...)
	if err != nil {
		keys.Destroy()
		if counters != nil {
			counters.Close()
		}
		return nil, err
	}
	return &stack{cfg: cfg, logger: logger, repo: repo, keys: keys, svc: svc, counters: counters, health: health}, nil
}

func (s *stack) Close() error {
	s.keys.Destroy()
	var errs []error
	if s.counters != nil {
		errs = append(errs, s.counters.Close())
	}
	return errors.Join(append(errs, s.repo.Close())...)
}

// withStack loads the configuration, opens the stack, runs fn and closes
// the stack again. It is the body of every command except server.
func withStack(ctx context.Context, fn func(*stack) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	s, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return errors.Join(fn(s), s.Close())
}
