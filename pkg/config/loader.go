package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// LoadFromFile overlays the values set in a YAML configuration file onto cfg.
// Keys are grouped as server.*, database.*, objectstore.*, tracker.* and integration.*.
func LoadFromFile(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// Server
	if v.IsSet("server.host") {
		cfg.Host = v.GetString("server.host")
	}
	if v.IsSet("server.port") {
		cfg.Port = v.GetInt("server.port")
	}

	// Database
	if v.IsSet("database.alias") {
		cfg.DBAlias = v.GetString("database.alias")
	}
	if v.IsSet("database.driver") {
		cfg.Driver = v.GetString("database.driver")
	}
	if v.IsSet("database.path") {
		cfg.DBPath = v.GetString("database.path")
	}
	if v.IsSet("database.dsn") {
		cfg.DSN = v.GetString("database.dsn")
	}
	if v.IsSet("database.max_open_conns") {
		cfg.MaxOpenConns = v.GetInt("database.max_open_conns")
	}
	if v.IsSet("database.create_schema") {
		cfg.CreateSchema = v.GetBool("database.create_schema")
	}

	// Object store
	if v.IsSet("objectstore.model") {
		cfg.ModelName = v.GetString("objectstore.model")
	}
	if v.IsSet("objectstore.model_file") {
		cfg.ModelFile = v.GetString("objectstore.model_file")
	}
	if v.IsSet("objectstore.max_time") {
		cfg.MaxQueryTime = v.GetInt64("objectstore.max_time")
	}
	if v.IsSet("objectstore.missing_tables") {
		cfg.MissingTables = v.GetStringSlice("objectstore.missing_tables")
	}
	if v.IsSet("objectstore.no_object_tables") {
		cfg.NoObjectTables = v.GetStringSlice("objectstore.no_object_tables")
	}
	if v.IsSet("objectstore.log_file") {
		cfg.LogFile = v.GetString("objectstore.log_file")
	}
	if v.IsSet("objectstore.truncated_classes") {
		cfg.TruncatedClasses = v.GetStringSlice("objectstore.truncated_classes")
	}
	if v.IsSet("objectstore.cache_size") {
		cfg.ObjectCacheSize = v.GetInt("objectstore.cache_size")
	}
	if v.IsSet("objectstore.ever_optimise") {
		cfg.EverOptimise = v.GetBool("objectstore.ever_optimise")
	}

	// Data tracker
	if v.IsSet("tracker.cache_type") {
		cfg.CacheType = v.GetString("tracker.cache_type")
	}
	if v.IsSet("tracker.cache_ttl") {
		cfg.CacheTTL = v.GetInt("tracker.cache_ttl")
	}
	if v.IsSet("tracker.redis_host") {
		cfg.RedisHost = v.GetString("tracker.redis_host")
	}
	if v.IsSet("tracker.redis_port") {
		cfg.RedisPort = v.GetInt("tracker.redis_port")
	}
	if v.IsSet("tracker.max_size") {
		cfg.TrackerCacheSize = v.GetInt("tracker.max_size")
	}
	if v.IsSet("tracker.commit_size") {
		cfg.TrackerCommitSize = v.GetInt("tracker.commit_size")
	}

	// Integration
	if v.IsSet("integration.priorities_file") {
		cfg.PrioritiesFile = v.GetString("integration.priorities_file")
	}
	if v.IsSet("integration.ignore_duplicates") {
		cfg.IgnoreDuplicates = v.GetBool("integration.ignore_duplicates")
	}
	if v.IsSet("integration.idmap_cache_size") {
		cfg.IDMapCacheSize = v.GetInt("integration.idmap_cache_size")
	}
	if v.IsSet("integration.batch_size") {
		cfg.BatchSize = v.GetInt("integration.batch_size")
	}

	return nil
}
