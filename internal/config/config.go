// Package config loads and validates the engine configuration from the
// environment and an optional YAML file. Validation fails fast: a process
// with a bad configuration must not start.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider tags accepted by the embedding gateway.
const (
	ProviderLocal           = "local"
	ProviderRemotePrimary   = "remote-primary"
	ProviderRemoteSecondary = "remote-secondary"
)

// Config is the complete engine configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
	Handshake     HandshakeConfig     `mapstructure:"handshake"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Maintenance   MaintenanceConfig   `mapstructure:"maintenance"`
	Log           LogConfig           `mapstructure:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimit     `mapstructure:"rate_limit"`
}

// RateLimit is the per-client token bucket applied by middleware.
type RateLimit struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// DatabaseConfig controls the Postgres pool.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Schema          string        `mapstructure:"schema"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	StatsInterval   time.Duration `mapstructure:"stats_interval"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		int(d.ConnectTimeout.Seconds()),
	)
	if d.Schema != "" && d.Schema != "public" {
		dsn += fmt.Sprintf(" options='-csearch_path=%s,public'", d.Schema)
	}
	return dsn
}

// EmbeddingConfig selects and tunes the embedding providers.
type EmbeddingConfig struct {
	Provider          string        `mapstructure:"provider"`
	Dim               int           `mapstructure:"dim"`
	LocalEndpoint     string        `mapstructure:"local_endpoint"`
	PrimaryEndpoint   string        `mapstructure:"primary_endpoint"`
	PrimaryAPIKey     string        `mapstructure:"primary_api_key"`
	PrimaryModel      string        `mapstructure:"primary_model"`
	SecondaryEndpoint string        `mapstructure:"secondary_endpoint"`
	SecondaryAPIKey   string        `mapstructure:"secondary_api_key"`
	SecondaryModel    string        `mapstructure:"secondary_model"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	CacheSize         int           `mapstructure:"cache_size"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
}

// ConsolidationConfig tunes the semantic consolidator.
type ConsolidationConfig struct {
	Mode               string        `mapstructure:"mode"`
	DuplicateThreshold float64       `mapstructure:"duplicate_threshold"`
	RecheckDelay       time.Duration `mapstructure:"recheck_delay"`
	FragmentThreshold  float64       `mapstructure:"fragment_threshold"`
	ClusterRadius      float64       `mapstructure:"cluster_radius"`
	ClusterMinPhi      float64       `mapstructure:"cluster_min_phi"`
}

// Enabled reports whether semantic consolidation runs on the add path.
func (c ConsolidationConfig) Enabled() bool {
	switch strings.ToLower(c.Mode) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

// HandshakeConfig tunes the synthesiser and its tiered cache.
type HandshakeConfig struct {
	ConversationWindow time.Duration `mapstructure:"conversation_window"`
	SessionWindow      time.Duration `mapstructure:"session_window"`
	GlobalWindow       time.Duration `mapstructure:"global_window"`
	CandidateLimit     int           `mapstructure:"candidate_limit"`
	MaxAnchors         int           `mapstructure:"max_anchors"`
	InvalidationPhi    float64       `mapstructure:"invalidation_phi"`
}

// WorkerConfig sizes the background job pool.
type WorkerConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MaintenanceConfig controls the in-process decay runner. Deployments
// that schedule decay externally disable it.
type MaintenanceConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	TierDecayActive time.Duration `mapstructure:"tier_decay_active"`
	TierDecayThread time.Duration `mapstructure:"tier_decay_thread"`
	PhiDecayIdle    time.Duration `mapstructure:"phi_decay_idle"`
	PhiDecayFactor  float64       `mapstructure:"phi_decay_factor"`
	PhiDecayMin     float64       `mapstructure:"phi_decay_min"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from the optional YAML file and the
// environment, then validates it.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("ANIMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindWellKnownEnv(v)

	if err := v.ReadInConfig(); err != nil {
		// the file is optional; anything else is a real error
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindWellKnownEnv maps the short environment keys the deployment
// contract names onto their config paths. The ANIMA_-prefixed forms work
// for everything else through AutomaticEnv.
func bindWellKnownEnv(v *viper.Viper) {
	pairs := map[string]string{
		"database.host":      "DB_HOST",
		"database.port":      "DB_PORT",
		"database.name":      "DB_NAME",
		"database.user":      "DB_USER",
		"database.password":  "DB_PASSWORD",
		"embedding.provider": "EMBEDDING_PROVIDER",
		"embedding.dim":      "EMBEDDING_DIM",
		"consolidation.mode": "SEMANTIC_CONSOLIDATION",
		"server.port":        "PORT",
		"log.level":          "LOG_LEVEL",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.rps", 50.0)
	v.SetDefault("server.rate_limit.burst", 100)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "anima")
	v.SetDefault("database.user", "anima")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.schema", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_idle_time", 30*time.Second)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.connect_timeout", 5*time.Second)
	v.SetDefault("database.stats_interval", 30*time.Second)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("embedding.provider", ProviderLocal)
	v.SetDefault("embedding.dim", 768)
	v.SetDefault("embedding.local_endpoint", "http://localhost:8090")
	v.SetDefault("embedding.primary_endpoint", "https://api.openai.com")
	v.SetDefault("embedding.primary_model", "text-embedding-3-small")
	v.SetDefault("embedding.secondary_endpoint", "https://api.voyageai.com")
	v.SetDefault("embedding.secondary_model", "voyage-3-lite")
	v.SetDefault("embedding.request_timeout", 30*time.Second)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.cache_size", 10000)
	v.SetDefault("embedding.cache_ttl", time.Hour)

	v.SetDefault("consolidation.mode", "on")
	v.SetDefault("consolidation.duplicate_threshold", 0.95)
	v.SetDefault("consolidation.recheck_delay", time.Second)
	v.SetDefault("consolidation.fragment_threshold", 0.92)
	v.SetDefault("consolidation.cluster_radius", 0.15)
	v.SetDefault("consolidation.cluster_min_phi", 2.0)

	v.SetDefault("handshake.conversation_window", 15*time.Minute)
	v.SetDefault("handshake.session_window", time.Hour)
	v.SetDefault("handshake.global_window", 24*time.Hour)
	v.SetDefault("handshake.candidate_limit", 7)
	v.SetDefault("handshake.max_anchors", 4)
	v.SetDefault("handshake.invalidation_phi", 4.0)

	v.SetDefault("worker.workers", 4)
	v.SetDefault("worker.queue_size", 256)
	v.SetDefault("worker.shutdown_timeout", 10*time.Second)

	v.SetDefault("maintenance.enabled", false)
	v.SetDefault("maintenance.interval", 24*time.Hour)
	v.SetDefault("maintenance.tier_decay_active", 30*24*time.Hour)
	v.SetDefault("maintenance.tier_decay_thread", 90*24*time.Hour)
	v.SetDefault("maintenance.phi_decay_idle", 30*24*time.Hour)
	v.SetDefault("maintenance.phi_decay_factor", 0.95)
	v.SetDefault("maintenance.phi_decay_min", 0.5)

	v.SetDefault("log.level", "info")
}

// Validate runs the single fail-fast validation pass.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server port %d out of range", c.Server.Port))
	}
	if c.Database.Password == "" {
		problems = append(problems, "database password is required (DB_PASSWORD)")
	}
	if c.Database.Host == "" {
		problems = append(problems, "database host is required")
	}
	if c.Database.MaxOpenConns < 1 {
		problems = append(problems, "database max_open_conns must be positive")
	}

	switch c.Embedding.Provider {
	case ProviderLocal:
		if c.Embedding.LocalEndpoint == "" {
			problems = append(problems, "local embedding endpoint is required")
		}
	case ProviderRemotePrimary:
		if c.Embedding.PrimaryAPIKey == "" {
			problems = append(problems, "primary embedding api key is required")
		}
	case ProviderRemoteSecondary:
		if c.Embedding.SecondaryAPIKey == "" {
			problems = append(problems, "secondary embedding api key is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown embedding provider %q", c.Embedding.Provider))
	}
	if c.Embedding.Dim != 384 && c.Embedding.Dim != 768 {
		problems = append(problems, fmt.Sprintf("embedding dim must be 384 or 768, got %d", c.Embedding.Dim))
	}
	if c.Embedding.CacheSize < 1 {
		problems = append(problems, "embedding cache_size must be positive")
	}
	if c.Embedding.MaxRetries < 0 {
		problems = append(problems, "embedding max_retries must not be negative")
	}

	switch strings.ToLower(c.Consolidation.Mode) {
	case "on", "off", "true", "false", "1", "0", "yes", "no":
	default:
		problems = append(problems, fmt.Sprintf("semantic consolidation must be on or off, got %q", c.Consolidation.Mode))
	}
	if c.Consolidation.DuplicateThreshold <= 0 || c.Consolidation.DuplicateThreshold > 1 {
		problems = append(problems, "consolidation duplicate_threshold must be in (0,1]")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		problems = append(problems, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	if c.Worker.Workers < 1 {
		problems = append(problems, "worker count must be positive")
	}
	if c.Worker.QueueSize < 1 {
		problems = append(problems, "worker queue_size must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
