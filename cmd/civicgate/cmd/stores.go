package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/jmcleod/civicgate/config"
	"github.com/jmcleod/civicgate/identity"
	"github.com/jmcleod/civicgate/internal/logging"
	"github.com/jmcleod/civicgate/storage"
	bboltstorage "github.com/jmcleod/civicgate/storage/bbolt"
	"github.com/jmcleod/civicgate/storage/memory"
	"github.com/jmcleod/civicgate/storage/postgres"
	redisstorage "github.com/jmcleod/civicgate/storage/redis"
)

const storeDialTimeout = 5 * time.Second

// openKV returns the revocation and counter store selected by
// cfg.StoreBackend. An unreachable Redis degrades to the in-process store:
// revocations then stop being shared between instances.
func openKV(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		path := filepath.Join(cfg.DataDir, "civicgate.db")
		s, err := bboltstorage.NewStoreFromFile(path, &bbolt.Options{Timeout: storeDialTimeout})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		logger.Info("using bbolt store", zap.String("path", path))
		return s, nil

	case config.StoreRedis:
		dialCtx, cancel := context.WithTimeout(ctx, storeDialTimeout)
		defer cancel()
		s, err := redisstorage.New(dialCtx, redisstorage.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			EnableTLS: cfg.RedisTLS,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			logger.Warn("redis unavailable, falling back to in-memory store",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
			return memory.New(), nil
		}
		logger.Info("using redis store", zap.String("addr", cfg.RedisAddr))
		return s, nil

	default:
		return memory.New(), nil
	}
}

func openIdentities(ctx context.Context, cfg *config.Config, logger *zap.Logger) (identity.Store, error) {
	if cfg.IdentityBackend != config.IdentityPostgres {
		return identity.NewMemoryStore(), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, storeDialTimeout)
	defer cancel()
	s, err := postgres.NewStoreFromDSN(dialCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("using postgres identity store")
	return s, nil
}

// bootstrapAdmin creates the configured administrator when no identity
// with that email exists yet. An existing identity is left untouched.
func bootstrapAdmin(ctx context.Context, cfg *config.Config, ids identity.Store, logger *zap.Logger) error {
	if cfg.BootstrapAdminEmail == "" {
		return nil
	}
	_, err := ids.FindByLogin(ctx, cfg.BootstrapAdminEmail)
	if err == nil {
		return nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return fmt.Errorf("looking up bootstrap admin: %w", err)
	}

	rec := &identity.Record{
		Identity: identity.Identity{
			ID:       identity.NewID(),
			Email:    cfg.BootstrapAdminEmail,
			Username: cfg.BootstrapAdminUsername,
			Roles:    identity.Roles{Admin: true},
		},
		PasswordHash: cfg.BootstrapAdminPasswordHash,
	}
	if err := ids.Create(ctx, rec); err != nil && !errors.Is(err, identity.ErrExists) {
		return fmt.Errorf("creating bootstrap admin: %w", err)
	}
	logger.Info("bootstrap admin created",
		logging.IdentityID(rec.ID), logging.RedactedEmail(rec.Email))
	return nil
}
