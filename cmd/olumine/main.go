package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ha1tch/olumine/pkg/config"
	"github.com/ha1tch/olumine/pkg/objectstore"
	"github.com/ha1tch/olumine/pkg/server"
	"github.com/rs/zerolog"
)

func main() {
	// Setup logger
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Logger().
		Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	// Load configuration
	cfg := config.Default()
	if path := os.Getenv("OLU_CONFIG"); path != "" {
		if err := config.LoadFromFile(cfg, path); err != nil {
			logger.Fatal().Err(err).Msg("Failed to load configuration file")
		}
	}
	config.LoadFromEnv(cfg)
	if !cfg.Debug {
		logger = logger.Level(zerolog.InfoLevel)
	}

	printBanner(cfg)

	registry := objectstore.NewRegistry(logger)
	defer registry.Close()

	store, err := registry.Get(context.Background(), cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open object store")
	}
	logger.Info().
		Str("driver", store.DB().Dialect.Name()).
		Str("model", store.Model().Name()).
		Int("classes", len(store.Model().ClassNames())).
		Msg("Object store initialized")

	srv := server.New(cfg, store, logger)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info().Msg("Shutting down gracefully...")
		if err := registry.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close object stores")
		}
		os.Exit(0)
	}()

	logger.Info().Msg("Server ready to accept requests")
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func printBanner(cfg *config.Config) {
	lightBlue := "\033[1;36m"
	reset := "\033[0m"

	fmt.Print(lightBlue)
	fmt.Println("//////////////////////////// olumine " + config.Version + " /////////////////////////")
	fmt.Print(reset)
	fmt.Println("----------------------------------------------------------------------")
	fmt.Println("Server Configuration:")
	fmt.Printf("  Host: %s\n", cfg.Host)
	fmt.Printf("  Port: %d\n", cfg.Port)
	fmt.Println()
	fmt.Println("Object Store Configuration:")
	fmt.Printf("  Database: %s (%s)\n", cfg.DBAlias, cfg.Driver)
	fmt.Printf("  Model: %s (%s)\n", cfg.ModelName, cfg.ModelFile)
	fmt.Printf("  Max query time: %d ms\n", cfg.MaxQueryTime)
	fmt.Printf("  Optimise: %v\n", cfg.EverOptimise)
	if cfg.LogFile != "" {
		fmt.Printf("  Execute log: %s\n", cfg.LogFile)
	}
	fmt.Println("----------------------------------------------------------------------")
	fmt.Println()
}
