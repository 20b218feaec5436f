package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_Defaults(t *testing.T) {
	manager, err := NewManager()
	require.NoError(t, err)

	cfg := manager.GetConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "rtt_pathway", cfg.Database.Database)
	assert.Equal(t, "./migrations", cfg.Database.MigrationsPath)
	assert.Equal(t, 256, cfg.Suggestions.MemoCacheSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "redis://localhost:6379", cfg.Cache.RedisURL)
}

func TestManager_Validate(t *testing.T) {
	manager, err := NewManager()
	require.NoError(t, err)
	require.NoError(t, manager.Validate())
}

func TestManager_Validate_BadPort(t *testing.T) {
	manager, err := NewManager()
	require.NoError(t, err)

	manager.config.Server.Port = -1
	assert.Error(t, manager.Validate())
}

func TestManager_Validate_UnknownDriver(t *testing.T) {
	manager, err := NewManager()
	require.NoError(t, err)

	manager.config.Database.Driver = "oracle"
	assert.Error(t, manager.Validate())
}

func TestManager_Validate_SQLiteNeedsPath(t *testing.T) {
	manager, err := NewManager()
	require.NoError(t, err)

	manager.config.Database.Driver = "sqlite"
	manager.config.Database.SQLitePath = ""
	assert.Error(t, manager.Validate())

	manager.config.Database.SQLitePath = "./data/test.db"
	assert.NoError(t, manager.Validate())
}

func TestDatabaseConfig_ConnectionStrings(t *testing.T) {
	manager, err := NewManager()
	require.NoError(t, err)

	db := manager.GetDatabaseConfig()
	assert.Contains(t, db.DSN(), "host=localhost")
	assert.Contains(t, db.DSN(), "dbname=rtt_pathway")
	assert.Contains(t, db.URL(), "postgres://")
}
