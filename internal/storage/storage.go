// Package storage opens the persistence backend selected by configuration and
// exposes it through the narrow interfaces the rest of the service uses.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"pipagent/internal/config"
	"pipagent/internal/db"
	"pipagent/internal/docstore"
	"pipagent/internal/filestore"
	"pipagent/internal/opportunities"
	"pipagent/internal/types"
)

// TripStore is read by the agent and written by the trips API.
type TripStore interface {
	types.TripSource
	types.TripWriter
}

// Backends is an opened persistence backend.
type Backends struct {
	// Name is one of the config.Backend* constants.
	Name          string
	Opportunities opportunities.Backend
	Trips         TripStore

	ping  func(ctx context.Context) error
	close func() error
}

// Ping checks that the backend is reachable.
func (b *Backends) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases connections held by the backend.
func (b *Backends) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Options tweak Open.
type Options struct {
	// SkipMigrations leaves the Postgres schema untouched even when
	// DB_AUTO_MIGRATE is set.
	SkipMigrations bool
	Clock          types.Clock
}

// Open connects to the backend chosen by cfg.ResolveBackend.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = types.RealClock{}
	}

	name := cfg.ResolveBackend()
	logger.InfoContext(ctx, "opening storage backend", "backend", name)

	switch name {
	case config.BackendPostgres:
		pool, err := db.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate && !opts.SkipMigrations {
			if err := db.Migrate(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &Backends{
			Name:          name,
			Opportunities: db.NewOpportunityRepository(pool),
			Trips:         db.NewTripRepository(pool, clock, logger),
			ping:          pool.Ping,
			close: func() error {
				pool.Close()
				return nil
			},
		}, nil

	case config.BackendFirestore:
		store, err := docstore.Open(ctx, cfg.Firestore.ProjectID, docstore.Config{
			OpportunitiesCollection: cfg.Firestore.OpportunitiesCollection,
			TripsCollection:         cfg.Firestore.TripsCollection,
			Clock:                   clock,
			Logger:                  logger,
		})
		if err != nil {
			return nil, err
		}
		return &Backends{
			Name:          name,
			Opportunities: store,
			Trips:         store,
			ping:          store.Ping,
			close:         store.Close,
		}, nil

	case config.BackendFile:
		store := filestore.New(cfg.Storage.DataDir, logger)
		if err := store.Ping(ctx); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalStorage, "data directory is not usable", err)
		}
		return &Backends{
			Name:          name,
			Opportunities: store,
			Trips:         store,
			ping:          store.Ping,
		}, nil
	}

	return nil, fmt.Errorf("unknown storage backend %q", name)
}
