package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ha1tch/olumine/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OLU_DRIVER", "postgres")
	t.Setenv("OLU_MAX_QUERY_TIME", "2500")
	t.Setenv("OLU_MISSING_TABLES", "gene, protein ,")
	t.Setenv("OLU_IGNORE_DUPLICATES", "yes")

	cfg := config.Default()
	config.LoadFromEnv(cfg)

	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, int64(2500), cfg.MaxQueryTime)
	assert.Equal(t, []string{"gene", "protein"}, cfg.MissingTables)
	assert.True(t, cfg.IgnoreDuplicates)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "olumine.yaml")
	data := `
database:
  alias: db.test
  path: /tmp/test.db
objectstore:
  max_time: 42
  truncated_classes: [BioEntity]
tracker:
  commit_size: 7
integration:
  ignore_duplicates: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg := config.Default()
	require.NoError(t, config.LoadFromFile(cfg, path))

	assert.Equal(t, "db.test", cfg.DBAlias)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, int64(42), cfg.MaxQueryTime)
	assert.Equal(t, []string{"BioEntity"}, cfg.TruncatedClasses)
	assert.Equal(t, 7, cfg.TrackerCommitSize)
	assert.True(t, cfg.IgnoreDuplicates)
	// untouched keys keep their defaults
	assert.Equal(t, 1000, cfg.BatchSize)
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := config.Default()
	err := config.LoadFromFile(cfg, filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestStoreDescription(t *testing.T) {
	a := config.Default()
	a.MissingTables = []string{"b", "a"}
	b := config.Default()
	b.MissingTables = []string{"a", "b"}

	assert.Equal(t, a.StoreDescription(), b.StoreDescription())

	b.LogFile = "exec.log"
	assert.NotEqual(t, a.StoreDescription(), b.StoreDescription())
}
