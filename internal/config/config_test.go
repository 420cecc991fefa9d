package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roster-sync/internal/navguard"
	"github.com/example/roster-sync/internal/storage"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "roster-sync", cfg.AppName)
	assert.Equal(t, storage.DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 30*time.Second, cfg.AutosaveQuietPeriod)
	assert.Equal(t, 8, cfg.SaveConcurrency)
	assert.Equal(t, navguard.Lenient, cfg.Policy())
	assert.False(t, cfg.ArchiveEnabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/roster.db")
	t.Setenv("AUTOSAVE_QUIET_PERIOD", "5s")
	t.Setenv("SAVE_CONCURRENCY", "2")
	t.Setenv("NAVGUARD_POLICY", "strict")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, storage.DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 5*time.Second, cfg.AutosaveQuietPeriod)
	assert.Equal(t, 2, cfg.SaveConcurrency)
	assert.Equal(t, navguard.Strict, cfg.Policy())
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("ARCHIVE_ENABLED", "true")
	t.Setenv("NAVGUARD_POLICY", "paranoid")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_DRIVER")
	assert.Contains(t, err.Error(), "credentials")
	assert.Contains(t, err.Error(), "paranoid")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("AUTOSAVE_QUIET_PERIOD", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestNewResourcesMemoryAndSQLite(t *testing.T) {
	ctx := context.Background()

	res, err := NewResources(ctx, Config{StoreDriver: storage.DriverMemory})
	require.NoError(t, err)
	assert.Equal(t, storage.DriverMemory, res.Store.Driver())
	res.Close()

	res, err = NewResources(ctx, Config{StoreDriver: storage.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "r.db")})
	require.NoError(t, err)
	defer res.Close()
	assert.Equal(t, storage.DriverSQLite, res.Store.Driver())
	assert.NoError(t, res.HealthCheck(ctx))
}

func TestLoadSchemas(t *testing.T) {
	schemas, err := LoadSchemas("")
	require.NoError(t, err)
	require.Contains(t, schemas, "attendance")
	assert.Len(t, schemas["attendance"].Links, 1)

	path := filepath.Join(t.TempDir(), "schemas.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rollcall":{"fields":[{"name":"status","kind":"enum","options":["in","out"]}]}}`), 0o600))
	schemas, err = LoadSchemas(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"in", "out"}, schemas["rollcall"].Fields[0].Options)

	require.NoError(t, os.WriteFile(path, []byte(`{"empty":{"fields":[]}}`), 0o600))
	_, err = LoadSchemas(path)
	assert.Error(t, err)
}
