package commands

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grumpyguvner/tempmail/internal/auth"
	"github.com/grumpyguvner/tempmail/internal/config"
	"github.com/grumpyguvner/tempmail/internal/inbox"
	"github.com/grumpyguvner/tempmail/internal/kv"
	"github.com/grumpyguvner/tempmail/internal/stats"
	"github.com/grumpyguvner/tempmail/internal/storage"
	"github.com/grumpyguvner/tempmail/internal/store"
	"github.com/grumpyguvner/tempmail/internal/validation"
)

// app holds the storage layers and services shared by the commands
type app struct {
	cfg       *config.Config
	store     *store.Store
	counters  kv.Store
	blobs     storage.Storage
	senders   *stats.Aggregator
	validator *validation.EmailValidator
	inbox     *inbox.Service
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	dbPath := cfg.ResolvedDatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	counters, err := kv.Open(ctx, kv.Options{
		Backend:       cfg.KVBackend,
		DB:            st.DB(),
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to open counter store: %w", err)
	}

	blobs, err := storage.NewFileStorage(cfg.ResolvedBlobDir())
	if err != nil {
		_ = counters.Close()
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize attachment storage: %w", err)
	}

	a := &app{
		cfg:       cfg,
		store:     st,
		counters:  counters,
		blobs:     blobs,
		senders:   stats.New(counters, statsOptions(cfg), nil),
		validator: validation.NewEmailValidator(cfg.Domains, cfg.MaxMessageBytes, cfg.BlockedSenderDomains),
	}

	var verifier *auth.DKIMVerifier
	if cfg.DKIMVerify {
		verifier = auth.NewDKIMVerifier(cfg.SMTPHostname)
	}
	a.inbox = inbox.NewService(st, blobs, a.senders, a.validator, verifier)

	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.counters != nil {
		errs = append(errs, a.counters.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return stderrors.Join(errs...)
}

func statsOptions(cfg *config.Config) stats.Options {
	return stats.Options{
		CacheTTL:      time.Duration(cfg.StatsCacheTTL) * time.Second,
		MaxKeys:       cfg.StatsMaxKeys,
		PageSize:      cfg.StatsPageSize,
		BatchSize:     cfg.StatsBatchSize,
		RetentionSize: cfg.StatsRetentionSize,
		DefaultLimit:  cfg.StatsDefaultLimit,
		MaxLimit:      cfg.StatsMaxLimit,
	}
}

func retention(cfg *config.Config) time.Duration {
	return time.Duration(cfg.EmailRetentionHours) * time.Hour
}
