package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Name:           "anima",
			User:           "anima",
			Password:       "secret",
			SSLMode:        "disable",
			MaxOpenConns:   50,
			ConnectTimeout: 5 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:      ProviderLocal,
			Dim:           768,
			LocalEndpoint: "http://localhost:8090",
			CacheSize:     10000,
		},
		Consolidation: ConsolidationConfig{Mode: "on", DuplicateThreshold: 0.95},
		Worker:        WorkerConfig{Workers: 4, QueueSize: 256},
		Log:           LogConfig{Level: "info"},
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRequiresPassword(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PASSWORD")
}

func TestValidateRejectsBadDimension(t *testing.T) {
	cfg := validConfig()
	cfg.Embedding.Dim = 512
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "384 or 768")
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Embedding.Provider = "oracle"
	assert.Error(t, cfg.Validate())
}

func TestValidateRemoteProvidersNeedKeys(t *testing.T) {
	cfg := validConfig()
	cfg.Embedding.Provider = ProviderRemotePrimary
	cfg.Embedding.PrimaryAPIKey = ""
	assert.Error(t, cfg.Validate())

	cfg.Embedding.PrimaryAPIKey = "sk-test"
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = ""
	cfg.Embedding.Dim = 100
	cfg.Log.Level = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, 3, strings.Count(err.Error(), ";")+1)
}

func TestConsolidationEnabled(t *testing.T) {
	assert.True(t, ConsolidationConfig{Mode: "on"}.Enabled())
	assert.True(t, ConsolidationConfig{Mode: "true"}.Enabled())
	assert.False(t, ConsolidationConfig{Mode: "off"}.Enabled())
	assert.False(t, ConsolidationConfig{Mode: ""}.Enabled())
}

func TestDSN(t *testing.T) {
	cfg := validConfig()
	dsn := cfg.Database.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=anima")
	assert.Contains(t, dsn, "connect_timeout=5")
	assert.NotContains(t, dsn, "search_path")

	cfg.Database.Schema = "anima_test"
	assert.Contains(t, cfg.Database.DSN(), "search_path=anima_test")
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DB_PASSWORD", "env-secret")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("PORT", "9090")
	t.Setenv("EMBEDDING_DIM", "384")
	t.Setenv("SEMANTIC_CONSOLIDATION", "off")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.Database.Password)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 384, cfg.Embedding.Dim)
	assert.False(t, cfg.Consolidation.Enabled())
	assert.Equal(t, "debug", cfg.Log.Level)

	// defaults fill what the environment leaves unset
	assert.Equal(t, 50, cfg.Database.MaxOpenConns)
	assert.Equal(t, time.Hour, cfg.Embedding.CacheTTL)
	assert.Equal(t, 15*time.Minute, cfg.Handshake.ConversationWindow)
}

func TestLoadFailsWithoutPassword(t *testing.T) {
	t.Setenv("DB_PASSWORD", "")
	_, err := Load()
	assert.Error(t, err)
}
