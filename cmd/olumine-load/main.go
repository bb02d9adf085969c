package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ha1tch/olumine/pkg/cache"
	"github.com/ha1tch/olumine/pkg/config"
	"github.com/ha1tch/olumine/pkg/dataloader"
	"github.com/ha1tch/olumine/pkg/datatracker"
	"github.com/ha1tch/olumine/pkg/integration"
	"github.com/ha1tch/olumine/pkg/objectstore"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type options struct {
	configFile       string
	sourceName       string
	sourceDriver     string
	sourcePath       string
	sourceDSN        string
	batchSize        int
	ignoreDuplicates bool
	debug            bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "olumine-load",
		Short:         "Merge a source object store into the warehouse",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML configuration file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	flags := root.Flags()
	flags.StringVar(&opts.sourceName, "source", "", "name of the main source being loaded")
	flags.StringVar(&opts.sourceDriver, "source-driver", "sqlite", "driver of the source database")
	flags.StringVar(&opts.sourcePath, "source-db", "", "path of a SQLite source database")
	flags.StringVar(&opts.sourceDSN, "source-dsn", "", "connection string of a PostgreSQL source database")
	flags.IntVar(&opts.batchSize, "batch-size", 0, "objects per page and per commit")
	flags.BoolVar(&opts.ignoreDuplicates, "ignore-duplicates", false, "skip duplicate source conflicts instead of failing")
	_ = root.MarkFlagRequired("source")

	root.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Create the warehouse tables without loading anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchema(cmd.Context(), opts)
		},
	})
	return root
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		if err := config.LoadFromFile(cfg, opts.configFile); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if opts.batchSize > 0 {
		cfg.BatchSize = opts.batchSize
	}
	if opts.ignoreDuplicates {
		cfg.IgnoreDuplicates = true
	}
	if opts.debug {
		cfg.Debug = true
	}
	return cfg, nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func runSchema(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Debug)
	ctx, cancel := signalContext(ctx)
	defer cancel()

	cfg.CreateSchema = true
	registry := objectstore.NewRegistry(logger)
	defer registry.Close()
	store, err := registry.Get(ctx, cfg)
	if err != nil {
		return err
	}
	if err := integration.CreateTables(ctx, store.DB()); err != nil {
		return err
	}
	logger.Info().Str("database", cfg.DBAlias).Msg("Warehouse schema ready")
	return nil
}

func runLoad(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Debug)
	ctx, cancel := signalContext(ctx)
	defer cancel()

	if opts.sourcePath == "" && opts.sourceDSN == "" {
		return errors.New("one of --source-db or --source-dsn is required")
	}

	registry := objectstore.NewRegistry(logger)
	defer registry.Close()

	dest, err := registry.Get(ctx, cfg)
	if err != nil {
		return err
	}
	if err := integration.CreateTables(ctx, dest.DB()); err != nil {
		return err
	}

	srcCfg := *cfg
	srcCfg.DBAlias = "db.source." + opts.sourceName
	srcCfg.Driver = opts.sourceDriver
	srcCfg.DBPath = opts.sourcePath
	srcCfg.DSN = opts.sourceDSN
	srcCfg.CreateSchema = false
	srcCfg.LogFile = ""
	src, err := registry.Get(ctx, &srcCfg)
	if err != nil {
		return fmt.Errorf("failed to open source store: %w", err)
	}

	trackerCache, err := cache.New(cache.Options{
		Type:      cfg.CacheType,
		Size:      cfg.TrackerCacheSize,
		TTL:       time.Duration(cfg.CacheTTL) * time.Second,
		RedisHost: cfg.RedisHost,
		RedisPort: cfg.RedisPort,
		Namespace: cfg.DBAlias,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to create tracker cache, falling back to memory cache")
		trackerCache = cache.NewMemoryCache(cfg.TrackerCacheSize, time.Duration(cfg.CacheTTL)*time.Second)
	}
	tracker := datatracker.New(dest.DB().Dialect, trackerCache, cfg.TrackerCommitSize, logger)
	defer tracker.Close()

	var prios *integration.Priorities
	if cfg.PrioritiesFile != "" {
		prios, err = integration.LoadPriorities(cfg.PrioritiesFile)
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Str("file", cfg.PrioritiesFile).Msg("No priorities file, sources rank by creation order")
		} else if err != nil {
			return err
		}
	}

	osw, err := dest.NewWriter()
	if err != nil {
		return err
	}
	iw, err := integration.New(osw, tracker, integration.Options{
		Priorities:       prios,
		IgnoreDuplicates: cfg.IgnoreDuplicates,
		IDMapSize:        cfg.IDMapCacheSize,
		Logger:           logger,
	})
	if err != nil {
		osw.Close()
		return err
	}

	mainSource, err := iw.GetMainSource(ctx, opts.sourceName)
	if err != nil {
		return err
	}
	skel, err := iw.GetSkeletonSource(ctx, opts.sourceName)
	if err != nil {
		return err
	}

	loader := dataloader.New(iw, dataloader.Options{BatchSize: cfg.BatchSize, Logger: logger})
	stats, err := loader.Process(ctx, src, mainSource, skel)
	if closeErr := iw.Close(ctx); closeErr != nil {
		logger.Error().Err(closeErr).Msg("Failed to close integration writer")
	}
	if err != nil {
		return err
	}
	logger.Info().
		Str("run", stats.RunID).
		Str("source", opts.sourceName).
		Int64("objects", stats.Objects).
		Dur("elapsed", stats.Duration).
		Msg("Load complete")
	return nil
}
