package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

const Version = "0.1.0"

// Config holds application configuration
type Config struct {
	// Server configuration
	Host string
	Port int

	// Database configuration
	DBAlias      string // name of the database configuration, e.g. "db.production"
	Driver       string // "sqlite" or "postgres"
	DBPath       string // SQLite database path
	DSN          string // PostgreSQL connection string
	MaxOpenConns int
	CreateSchema bool

	// Object store configuration
	ModelName        string
	ModelFile        string
	MaxQueryTime     int64 // milliseconds, estimated
	MissingTables    []string
	NoObjectTables   []string
	LogFile          string // execute log
	TruncatedClasses []string
	ObjectCacheSize  int
	EverOptimise     bool

	// Data tracker configuration
	CacheType         string // "memory" or "redis"
	CacheTTL          int    // seconds
	RedisHost         string
	RedisPort         int
	TrackerCacheSize  int
	TrackerCommitSize int

	// Integration configuration
	PrioritiesFile   string
	IgnoreDuplicates bool
	IDMapCacheSize   int
	BatchSize        int

	// Debug
	Debug bool
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              9090,
		DBAlias:           "db.default",
		Driver:            "sqlite",
		DBPath:            "olumine.db",
		MaxOpenConns:      25,
		CreateSchema:      true,
		ModelName:         "genomic",
		ModelFile:         "model.yaml",
		MaxQueryTime:      100000000,
		ObjectCacheSize:   10000,
		EverOptimise:      true,
		CacheType:         "memory",
		CacheTTL:          3600,
		RedisHost:         "localhost",
		RedisPort:         6379,
		TrackerCacheSize:  100000,
		TrackerCommitSize: 10000,
		PrioritiesFile:    "priorities.yaml",
		IgnoreDuplicates:  false,
		IDMapCacheSize:    100000,
		BatchSize:         1000,
		Debug:             false,
	}
}

// StoreDescription identifies the object store a configuration opens.
// Two configurations with the same description share one store in a Registry.
func (c *Config) StoreDescription() string {
	return fmt.Sprintf("db = %s, model = %s, missingTables = %s, noObjectTables = %s, logfile = %s, truncatedClasses = %s",
		c.DBAlias, c.ModelName,
		joinSorted(c.MissingTables), joinSorted(c.NoObjectTables),
		c.LogFile, joinSorted(c.TruncatedClasses))
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) {
	if val := os.Getenv("HOST"); val != "" {
		cfg.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Port = port
		}
	}
	if val := os.Getenv("OLU_DB_ALIAS"); val != "" {
		cfg.DBAlias = val
	}
	if val := os.Getenv("OLU_DRIVER"); val != "" {
		cfg.Driver = val
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.DBPath = val
	}
	if val := os.Getenv("OLU_DSN"); val != "" {
		cfg.DSN = val
	}
	if val := os.Getenv("OLU_MODEL"); val != "" {
		cfg.ModelName = val
	}
	if val := os.Getenv("OLU_MODEL_FILE"); val != "" {
		cfg.ModelFile = val
	}
	if val := os.Getenv("OLU_MAX_QUERY_TIME"); val != "" {
		if t, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.MaxQueryTime = t
		}
	}
	if val := os.Getenv("OLU_MISSING_TABLES"); val != "" {
		cfg.MissingTables = splitList(val)
	}
	if val := os.Getenv("OLU_NO_OBJECT_TABLES"); val != "" {
		cfg.NoObjectTables = splitList(val)
	}
	if val := os.Getenv("OLU_LOG_FILE"); val != "" {
		cfg.LogFile = val
	}
	if val := os.Getenv("OLU_TRUNCATED_CLASSES"); val != "" {
		cfg.TruncatedClasses = splitList(val)
	}
	if val := os.Getenv("CACHE_TYPE"); val != "" {
		cfg.CacheType = val
	}
	if val := os.Getenv("CACHE_TTL"); val != "" {
		if ttl, err := strconv.Atoi(val); err == nil {
			cfg.CacheTTL = ttl
		}
	}
	if val := os.Getenv("REDIS_HOST"); val != "" {
		cfg.RedisHost = val
	}
	if val := os.Getenv("REDIS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.RedisPort = port
		}
	}
	if val := os.Getenv("OLU_PRIORITIES_FILE"); val != "" {
		cfg.PrioritiesFile = val
	}
	if val := os.Getenv("OLU_IGNORE_DUPLICATES"); val != "" {
		cfg.IgnoreDuplicates = parseBool(val)
	}
	if val := os.Getenv("OLU_BATCH_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.BatchSize = size
		}
	}
	if val := os.Getenv("DEBUG"); val != "" {
		cfg.Debug = parseBool(val)
	}
}

func parseBool(val string) bool {
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes"
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinSorted(vals []string) string {
	cp := append([]string(nil), vals...)
	sort.Strings(cp)
	return "[" + strings.Join(cp, ", ") + "]"
}
