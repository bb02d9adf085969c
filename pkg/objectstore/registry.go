package objectstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ha1tch/olumine/pkg/config"
	"github.com/ha1tch/olumine/pkg/dbschema"
	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/storage"
	"github.com/rs/zerolog"
)

// Open connects to the configured database, loads the model and creates a
// store. The caller closes the returned database after the store.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*ObjectStore, error) {
	if cfg.ModelFile == "" {
		return nil, errors.New("failed to open object store: no model file configured")
	}
	model, err := metadata.LoadModel(cfg.ModelFile)
	if err != nil {
		return nil, err
	}
	if cfg.ModelName != "" && cfg.ModelName != model.Name() {
		return nil, fmt.Errorf("failed to open object store: model file defines %q, configuration expects %q", model.Name(), cfg.ModelName)
	}
	schema, err := dbschema.New(model, cfg.TruncatedClasses, cfg.MissingTables, cfg.NoObjectTables)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(ctx, storage.Config{
		Driver:       cfg.Driver,
		Path:         cfg.DBPath,
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxOpenConns,
	})
	if err != nil {
		return nil, newError(CodeConnectivity, err, "failed to open database %s", cfg.DBAlias)
	}

	store, err := New(db, Options{
		Schema:       schema,
		MaxTime:      cfg.MaxQueryTime,
		CacheSize:    cfg.ObjectCacheSize,
		LogFile:      cfg.LogFile,
		EverOptimise: cfg.EverOptimise,
		Logger:       logger.With().Str("store", cfg.DBAlias).Logger(),
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if cfg.CreateSchema {
		if err := store.CreateSchema(ctx); err != nil {
			store.Close()
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

// Registry hands out one store per configuration description.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*ObjectStore
	logger zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{stores: make(map[string]*ObjectStore), logger: logger}
}

// Get returns the store for a configuration, opening it on first use.
func (r *Registry) Get(ctx context.Context, cfg *config.Config) (*ObjectStore, error) {
	key := cfg.StoreDescription()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[key]; ok {
		return s, nil
	}
	s, err := Open(ctx, cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.stores[key] = s
	r.logger.Info().Str("store", cfg.DBAlias).Msg("Object store opened")
	return s, nil
}

// Close closes every store and its database
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.DB().Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.stores, key)
	}
	return errors.Join(errs...)
}
