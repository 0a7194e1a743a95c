package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/jmcleod/ironca/orgkey"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
	bboltstorage "github.com/jmcleod/ironca/storage/bbolt"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/jmcleod/ironca/storage/postgres"
	"github.com/jmcleod/ironca/storage/sqlite"
	"github.com/jmcleod/ironca/vault"
)

// openRepository opens the configured storage backend.
func openRepository(ctx context.Context, fs afero.Fs, cfg config) (storage.Repository, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Storage {
	case "bbolt", "":
		if err := fs.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "ironca.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bbolt storage: %w", err)
		}
		return repo, repo.Close, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("postgres-dsn is required for storage=postgres")
		}
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() error { repo.Close(); return nil }, nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			if err := fs.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return nil, nil, fmt.Errorf("creating data directory: %w", err)
			}
			path = filepath.Join(cfg.DataDir, "ironca.sqlite")
		}
		repo, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case "memory":
		return memory.NewRepository(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

// components are the wired CA layers sharing one repository.
type components struct {
	repo    storage.Repository
	keys    *orgkey.Provider
	service *pki.Service
	close   func() error
}

// openComponents opens storage and builds orgkey, vault and pki on top of it.
func openComponents(ctx context.Context, fs afero.Fs, cfg config, logger *slog.Logger) (*components, error) {
	master, err := orgkey.LoadMasterKey(fs, cfg.MasterKey, cfg.MasterKeyFile)
	if err != nil {
		return nil, err
	}
	repo, closeRepo, err := openRepository(ctx, fs, cfg)
	if err != nil {
		return nil, err
	}
	keys, err := orgkey.New(repo, master, orgkey.WithLogger(logger))
	if err != nil {
		closeRepo()
		return nil, err
	}

	gen, err := pki.NewKeyGenerator(pki.KeyAlgorithm(cfg.KeyAlgorithm))
	if err != nil {
		closeRepo()
		return nil, err
	}
	kv := vault.New(vault.NewFileStore(fs, filepath.Join(cfg.DataDir, "keys")), keys, vault.WithLogger(logger))

	opts := []pki.Option{
		pki.WithLogger(logger),
		pki.WithKeyGenerator(gen),
		pki.WithPublicURL(cfg.PublicURL),
	}
	if cfg.DownloadTTL > 0 {
		opts = append(opts, pki.WithDownloadTTL(cfg.DownloadTTL))
	}
	return &components{
		repo:    repo,
		keys:    keys,
		service: pki.NewService(repo, keys, kv, opts...),
		close:   closeRepo,
	}, nil
}

// commandTimeout bounds one-shot administrative commands.
const commandTimeout = 2 * time.Minute
